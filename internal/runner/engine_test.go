package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpwhdash/internal/types"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []types.RunRecord
}

func (m *memRecorder) Record(_ context.Context, rec types.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

// fakeBuild installs a shell script as <build>/src/hpwh/hpwh that logs its
// working directory and arguments to <build>/calls.log.
func fakeBuild(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	build := t.TempDir()
	bin := Binary(build)
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	script := "#!/bin/sh\npwd -P >> \"" + filepath.Join(build, "calls.log") + "\"\necho \"$@\" >> \"" +
		filepath.Join(build, "calls.log") + "\"\necho oops >&2\nexit " + string(rune('0'+exitCode)) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return build
}

func readCalls(t *testing.T, build string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(build, "calls.log"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestMeasureArgs(t *testing.T) {
	args := MeasureArgs(types.MeasureRequest{ModelSpec: "JSON", ModelIDOrPath: "gui/M.json", DrawProfile: "Very Small"}, "/b/test/output")
	assert.Equal(t, []string{"measure", "-s", "JSON", "-f", "gui/M.json", "-d", "/b/test/output", "-r", "results", "-p", "VerySmall"}, args)

	args = MeasureArgs(types.MeasureRequest{ModelSpec: "Preset", ModelIDOrPath: "AOSmithHPTS50", DrawProfile: "auto"}, "/o")
	assert.Equal(t, []string{"measure", "-s", "Preset", "-m", "AOSmithHPTS50", "-d", "/o", "-r", "results"}, args)
}

func TestSimulateArgs(t *testing.T) {
	args := SimulateArgs(types.SimulateRequest{ModelSpec: "JSON", ModelIDOrPath: "m.json", TestDir: "../../../test/DailyDraw"}, "/o")
	assert.Equal(t, []string{"run", "-s", "JSON", "-f", "m.json", "-t", "../../../test/DailyDraw", "-d", "/o"}, args)
}

func TestSimulateRunsFromRootAndRecords(t *testing.T) {
	build := fakeBuild(t, 0)
	root := t.TempDir()
	hist := &memRecorder{}
	var events []string
	e := NewEngine(Options{
		Root:    root,
		History: hist,
		Logger:  zerolog.Nop(),
		Timeout: 10 * time.Second,
		Emit: func(v any) {
			events = append(events, v.(types.WSEvent).Type)
		},
	})

	rec, err := e.Simulate(context.Background(), types.SimulateRequest{
		ModelSpec: "JSON", ModelIDOrPath: "gui/M.json", BuildDir: build, TestDir: "tests/T1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunSimulate, rec.Kind)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Equal(t, []string{"run_start", "run_complete"}, events)
	require.Len(t, hist.recs, 1)

	calls := readCalls(t, build)
	resolvedRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolvedRoot, calls[0])
	assert.Equal(t, "run -s JSON -f gui/M.json -t tests/T1 -d "+OutputDir(build), calls[1])

	_, err = os.Stat(OutputDir(build))
	assert.NoError(t, err)
}

func TestMeasureRunsFromTestRoot(t *testing.T) {
	build := fakeBuild(t, 0)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "test"), 0o755))
	e := NewEngine(Options{Root: root, TestRoot: "test", Logger: zerolog.Nop()})

	_, err := e.Measure(context.Background(), types.MeasureRequest{
		ModelSpec: "Preset", ModelIDOrPath: "AOSmithHPTS50", BuildDir: build, DrawProfile: "High",
	})
	require.NoError(t, err)

	calls := readCalls(t, build)
	want, err := filepath.EvalSymlinks(filepath.Join(root, "test"))
	require.NoError(t, err)
	assert.Equal(t, want, calls[0])
	assert.True(t, strings.HasSuffix(calls[1], "-r results -p High"), calls[1])
}

func TestRunFailureReportsExitCode(t *testing.T) {
	build := fakeBuild(t, 3)
	hist := &memRecorder{}
	e := NewEngine(Options{Root: t.TempDir(), History: hist, Logger: zerolog.Nop()})

	rec, err := e.Simulate(context.Background(), types.SimulateRequest{
		ModelSpec: "JSON", ModelIDOrPath: "m.json", BuildDir: build, TestDir: "T",
	})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, 3, rec.ExitCode)
	assert.Equal(t, "oops", rec.Error)
	require.Len(t, hist.recs, 1)
	assert.Equal(t, 3, hist.recs[0].ExitCode)
}

func TestMissingBinary(t *testing.T) {
	e := NewEngine(Options{Root: t.TempDir(), Logger: zerolog.Nop()})
	rec, err := e.Simulate(context.Background(), types.SimulateRequest{
		ModelSpec: "JSON", ModelIDOrPath: "m.json", BuildDir: t.TempDir(), TestDir: "T",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, -1, rec.ExitCode)
}

func TestRequiredFields(t *testing.T) {
	e := NewEngine(Options{Root: t.TempDir(), Logger: zerolog.Nop()})
	_, err := e.Measure(context.Background(), types.MeasureRequest{ModelSpec: "JSON"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.Simulate(context.Background(), types.SimulateRequest{ModelSpec: "JSON", ModelIDOrPath: "m", BuildDir: "b"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDefaultBuildDir(t *testing.T) {
	build := fakeBuild(t, 0)
	e := NewEngine(Options{Root: t.TempDir(), BuildDir: build, Logger: zerolog.Nop()})

	_, err := e.Simulate(context.Background(), types.SimulateRequest{
		ModelSpec: "JSON", ModelIDOrPath: "m.json", TestDir: "T",
	})
	require.NoError(t, err)
	calls := readCalls(t, build)
	assert.Equal(t, "run -s JSON -f m.json -t T -d "+OutputDir(build), calls[1])
}
