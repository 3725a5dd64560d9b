// Package runner invokes the hpwh command line tool for the dashboard's
// measure and simulate requests.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"hpwhdash/internal/telemetry"
	"hpwhdash/internal/types"
)

var (
	// ErrRunFailed is returned when hpwh exits with a non-zero status.
	ErrRunFailed = errors.New("hpwh run failed")
	// ErrInvalidRequest is returned for a request missing required fields.
	ErrInvalidRequest = errors.New("invalid run request")
)

// Recorder stores finished runs.
type Recorder interface {
	Record(ctx context.Context, rec types.RunRecord) error
}

type Options struct {
	// Root is the directory relative build and test paths resolve against.
	Root string
	// TestRoot is the working directory of measure runs, relative to Root.
	TestRoot string
	// BuildDir is used for requests that do not name a build directory.
	BuildDir string
	Timeout  time.Duration
	Emit     func(v any)
	History  Recorder
	Metrics  telemetry.Collector
	Logger   zerolog.Logger
}

type Engine struct {
	opts    Options
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewEngine(opts Options) *Engine {
	if opts.Emit == nil {
		opts.Emit = func(any) {}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	return &Engine{opts: opts, command: exec.CommandContext}
}

// Binary is the hpwh executable inside a build directory.
func Binary(absBuildDir string) string {
	return filepath.Join(absBuildDir, "src", "hpwh", "hpwh")
}

// OutputDir is where hpwh writes results inside a build directory.
func OutputDir(absBuildDir string) string {
	return filepath.Join(absBuildDir, "test", "output")
}

// modelArgs selects -f for JSON model files and -m for named models.
func modelArgs(spec, modelIDOrPath string) []string {
	if spec == "JSON" {
		return []string{"-s", spec, "-f", modelIDOrPath}
	}
	return []string{"-s", spec, "-m", modelIDOrPath}
}

// MeasureArgs builds the argument list of a standard 24-hour test run.
// The draw profile is passed without spaces and omitted for "auto".
func MeasureArgs(req types.MeasureRequest, outputDir string) []string {
	args := append([]string{"measure"}, modelArgs(req.ModelSpec, req.ModelIDOrPath)...)
	args = append(args, "-d", outputDir, "-r", "results")
	if req.DrawProfile != "" && req.DrawProfile != "auto" {
		args = append(args, "-p", strings.ReplaceAll(req.DrawProfile, " ", ""))
	}
	return args
}

// SimulateArgs builds the argument list of a test simulation.
func SimulateArgs(req types.SimulateRequest, outputDir string) []string {
	args := append([]string{"run"}, modelArgs(req.ModelSpec, req.ModelIDOrPath)...)
	return append(args, "-t", req.TestDir, "-d", outputDir)
}

func (e *Engine) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	abs, err := filepath.Abs(filepath.Join(e.opts.Root, p))
	if err != nil {
		return filepath.Join(e.opts.Root, p)
	}
	return abs
}

// Measure runs the standard 24-hour test for a model. It runs from the
// test data directory.
func (e *Engine) Measure(ctx context.Context, req types.MeasureRequest) (types.RunRecord, error) {
	if req.BuildDir == "" {
		req.BuildDir = e.opts.BuildDir
	}
	if req.ModelSpec == "" || req.ModelIDOrPath == "" || req.BuildDir == "" {
		return types.RunRecord{}, fmt.Errorf("measure: %w: model_spec, model_id_or_filepath and build_dir are required", ErrInvalidRequest)
	}
	buildDir := e.resolve(req.BuildDir)
	outputDir := OutputDir(buildDir)
	return e.run(ctx, types.RunMeasure, Binary(buildDir), MeasureArgs(req, outputDir), e.resolve(e.opts.TestRoot), outputDir)
}

// Simulate runs a test schedule against a model. Relative test directories
// resolve against the root.
func (e *Engine) Simulate(ctx context.Context, req types.SimulateRequest) (types.RunRecord, error) {
	if req.BuildDir == "" {
		req.BuildDir = e.opts.BuildDir
	}
	if req.ModelSpec == "" || req.ModelIDOrPath == "" || req.BuildDir == "" || req.TestDir == "" {
		return types.RunRecord{}, fmt.Errorf("simulate: %w: model_spec, model_id_or_filepath, build_dir and test_dir are required", ErrInvalidRequest)
	}
	buildDir := e.resolve(req.BuildDir)
	outputDir := OutputDir(buildDir)
	return e.run(ctx, types.RunSimulate, Binary(buildDir), SimulateArgs(req, outputDir), e.resolve("."), outputDir)
}

func (e *Engine) run(parent context.Context, kind types.RunKind, bin string, args []string, dir, outputDir string) (types.RunRecord, error) {
	rec := types.RunRecord{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Args:      append([]string{bin}, args...),
		Dir:       dir,
		StartedAt: time.Now().UTC(),
	}
	log := e.opts.Logger.With().Str("run_id", rec.ID).Str("kind", string(kind)).Logger()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return rec, fmt.Errorf("create output dir: %w", err)
	}

	ctx := parent
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.opts.Timeout)
		defer cancel()
	}

	e.opts.Emit(types.WSEvent{Type: "run_start", Payload: rec, Timestamp: nowISO()})
	log.Info().Strs("args", rec.Args).Msg("starting hpwh")

	cmd := e.command(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	rec.Duration = time.Since(rec.StartedAt)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rec.ExitCode = exitErr.ExitCode()
			rec.Error = strings.TrimSpace(stderr.String())
			err = fmt.Errorf("%w: exit code %d", ErrRunFailed, rec.ExitCode)
		} else {
			rec.ExitCode = -1
			rec.Error = err.Error()
			err = fmt.Errorf("start hpwh: %w", err)
		}
		log.Warn().Err(err).Str("stderr", rec.Error).Dur("duration", rec.Duration).Msg("hpwh failed")
	} else {
		log.Info().Dur("duration", rec.Duration).Int("stdout_bytes", len(out)).Msg("hpwh finished")
	}
	e.opts.Metrics.IncRun(string(kind), outcome)

	if e.opts.History != nil {
		// Use background context so a cancelled request still leaves a record.
		if herr := e.opts.History.Record(context.Background(), rec); herr != nil {
			log.Warn().Err(herr).Msg("record run")
		}
	}
	e.opts.Emit(types.WSEvent{Type: "run_complete", Payload: rec, Timestamp: nowISO()})
	return rec, err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
