// Package procs starts and stops the plot processes the dashboard embeds:
// the test plotter, the performance-map plotter and the fitter.
package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hpwhdash/internal/types"
)

var (
	ErrUnknownProc   = errors.New("unknown process")
	ErrNotConfigured = errors.New("process command not configured")
)

// DataEnv carries the launch request JSON to the started process.
const DataEnv = "HPWHDASH_PROC_DATA"

type Spec struct {
	Command string
	Args    []string
	Dir     string
	Port    int
}

type running struct {
	cmd  *exec.Cmd
	done chan struct{}
}

type Manager struct {
	specs   map[string]Spec
	settle  time.Duration
	startup time.Duration
	logger  zerolog.Logger

	// launching serialises Launch and Stop per name.
	launching map[string]*sync.Mutex

	mu    sync.Mutex
	procs map[string]*running
}

// NewManager creates a manager for the named specs. settle is waited after
// killing a previous instance, startup after starting a new one so the
// plot server is listening before its port is handed out.
func NewManager(specs map[string]Spec, settle, startup time.Duration, logger zerolog.Logger) *Manager {
	launching := make(map[string]*sync.Mutex, len(specs))
	for name := range specs {
		launching[name] = &sync.Mutex{}
	}
	return &Manager{
		specs:     specs,
		settle:    settle,
		startup:   startup,
		logger:    logger,
		launching: launching,
		procs:     make(map[string]*running),
	}
}

func (m *Manager) spec(name string) (Spec, error) {
	spec, ok := m.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%s: %w", name, ErrUnknownProc)
	}
	if spec.Command == "" {
		return Spec{}, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	return spec, nil
}

func (m *Manager) command(spec Spec, data []byte) *exec.Cmd {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), DataEnv+"="+string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Launch replaces any running instance of name with a fresh one and
// returns the port its plot server listens on.
func (m *Manager) Launch(ctx context.Context, name string, data []byte) (types.LaunchResult, error) {
	spec, err := m.spec(name)
	if err != nil {
		return types.LaunchResult{}, err
	}

	lock := m.launching[name]
	lock.Lock()
	if m.stop(name) {
		m.logger.Info().Str("proc", name).Msg("killed running instance")
		if err := sleep(ctx, m.settle); err != nil {
			lock.Unlock()
			return types.LaunchResult{}, err
		}
	}

	cmd := m.command(spec, data)
	if err := cmd.Start(); err != nil {
		lock.Unlock()
		return types.LaunchResult{}, fmt.Errorf("start %s: %w", name, err)
	}
	r := &running{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.procs[name] = r
	m.mu.Unlock()
	lock.Unlock()
	go func() {
		err := cmd.Wait()
		m.logger.Info().Str("proc", name).Err(err).Msg("process exited")
		close(r.done)
		m.mu.Lock()
		if m.procs[name] == r {
			delete(m.procs, name)
		}
		m.mu.Unlock()
	}()
	m.logger.Info().Str("proc", name).Int("pid", cmd.Process.Pid).Int("port", spec.Port).Msg("launched")

	if err := sleep(ctx, m.startup); err != nil {
		return types.LaunchResult{}, err
	}
	return types.LaunchResult{PortNum: spec.Port}, nil
}

// Run starts name and waits for it to exit.
func (m *Manager) Run(ctx context.Context, name string, data []byte) error {
	spec, err := m.spec(name)
	if err != nil {
		return err
	}
	cmd := m.command(spec, data)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}

// Stop kills the running instance of name, if any.
func (m *Manager) Stop(name string) error {
	lock, ok := m.launching[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownProc)
	}
	lock.Lock()
	defer lock.Unlock()
	if m.stop(name) {
		m.logger.Info().Str("proc", name).Msg("stopped")
	}
	return nil
}

// Running reports, for every configured name, whether an instance is alive.
func (m *Manager) Running() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.specs))
	for name := range m.specs {
		_, out[name] = m.procs[name]
	}
	return out
}

// StopAll kills every running process.
func (m *Manager) StopAll() {
	for name, lock := range m.launching {
		lock.Lock()
		m.stop(name)
		lock.Unlock()
	}
}

func (m *Manager) stop(name string) bool {
	m.mu.Lock()
	r, ok := m.procs[name]
	delete(m.procs, name)
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = r.cmd.Process.Kill()
	<-r.done
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
