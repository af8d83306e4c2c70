package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/threesonic/scancore/internal/config"
)

// Process is a supervised child process: the recorder or the two-sweep
// merger. Terminate implements the grace-then-kill sequence Shutdown applies
// to tracked children.
type Process interface {
	Wait() error
	Terminate(grace time.Duration) error
}

// ProcessSpawner starts the recorder and merger child processes. A fake
// implementation lets orchestrator tests run without forking real
// binaries.
type ProcessSpawner interface {
	SpawnRecorder(ctx context.Context, env []string) (Process, error)
	SpawnMerger(ctx context.Context, env []string) (Process, error)
}

// execProcess wraps an *exec.Cmd as a Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// Terminate signals the process to stop, waits up to grace for it to exit
// on its own, then kills it outright. Signaling with os.Interrupt is best
// effort (Windows delivers it only to processes sharing the console group)
// but Kill always succeeds, so the grace period never hangs.
func (p *execProcess) Terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	_ = p.cmd.Process.Signal(os.Interrupt)

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
		<-done
		return nil
	}
}

// execSpawner launches the real scanrecorder/scanmerge binaries configured
// in Config — trusted first-party child processes from the same install,
// not sandboxed guest code.
type execSpawner struct {
	cfg *config.Config
}

// NewExecSpawner builds the production ProcessSpawner.
func NewExecSpawner(cfg *config.Config) ProcessSpawner {
	return &execSpawner{cfg: cfg}
}

func (s *execSpawner) SpawnRecorder(ctx context.Context, env []string) (Process, error) {
	return spawn(ctx, s.cfg.RecorderPath, s.cfg.DataDir, env)
}

func (s *execSpawner) SpawnMerger(ctx context.Context, env []string) (Process, error) {
	return spawn(ctx, s.cfg.MergerPath, s.cfg.DataDir, env)
}

func spawn(ctx context.Context, path, dir string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
