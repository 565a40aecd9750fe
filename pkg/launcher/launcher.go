// Package launcher runs prepared containers as local processes. It is the
// boundary between the event-driven core and the operating system: launch,
// kill escalation and workdir cleanup all happen on launcher goroutines and
// report back to the dispatcher as events.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
)

// Config configures the launcher service.
type Config struct {
	// WorkRoot is the directory container working directories live under.
	WorkRoot string

	// KillGrace is how long a killed process gets between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration

	// KillForce is how long after SIGKILL the launcher waits before giving
	// up on the process.
	KillForce time.Duration

	Logger *zap.Logger
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.WorkRoot == "" {
		return fmt.Errorf("work root is required")
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.KillForce <= 0 {
		c.KillForce = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// process tracks one running container process.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Service launches container processes and reports their lifecycle back as
// events. It implements dispatcher.Handler for launcher events.
type Service struct {
	config *Config
	logger *zap.Logger
	poster events.Poster

	mu    sync.Mutex
	procs map[api.ContainerID]*process
}

// NewService creates the launcher service.
func NewService(config *Config, poster events.Poster) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if poster == nil {
		return nil, fmt.Errorf("event poster is required")
	}
	if err := os.MkdirAll(config.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	return &Service{
		config: config,
		logger: config.Logger,
		poster: poster,
		procs:  make(map[api.ContainerID]*process),
	}, nil
}

// Handle routes one launcher event. Work runs on launcher goroutines so the
// dispatcher is never blocked on process or disk operations.
func (s *Service) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.LaunchEvent:
		go s.launch(e)
	case events.KillEvent:
		go s.kill(e.Container)
	case events.CleanupEvent:
		go s.cleanup(e.Container)
	default:
		s.logger.Error("Unexpected event type for launcher",
			zap.String("entity", ev.EntityID()),
		)
	}
}

// launch prepares the working directory, links localized resources into it
// and starts the container command.
func (s *Service) launch(e events.LaunchEvent) {
	workDir := s.workDir(e.Container)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.launchFailed(e.Container, fmt.Errorf("failed to create work dir: %w", err))
		return
	}
	for uri, path := range e.Localized {
		link := filepath.Join(workDir, filepath.Base(path))
		if err := os.Symlink(path, link); err != nil && !os.IsExist(err) {
			s.launchFailed(e.Container, fmt.Errorf("failed to link resource %s: %w", uri, err))
			return
		}
	}

	if len(e.Context.Command) == 0 {
		s.launchFailed(e.Container, fmt.Errorf("empty container command"))
		return
	}

	cmd := exec.Command(e.Context.Command[0], e.Context.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(e, workDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s.mu.Lock()
	if _, exists := s.procs[e.Container]; exists {
		s.mu.Unlock()
		s.logger.Warn("Duplicate launch request ignored",
			zap.String("container", e.Container.String()),
		)
		return
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		s.launchFailed(e.Container, fmt.Errorf("failed to start process: %w", err))
		return
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	s.procs[e.Container] = p
	s.mu.Unlock()

	s.logger.Info("Container process started",
		zap.String("container", e.Container.String()),
		zap.Int("pid", cmd.Process.Pid),
	)
	s.poster.Dispatch(events.NewContainerLaunched(e.Container))

	go s.wait(e.Container, p)
}

// wait blocks on process exit and reports the code.
func (s *Service) wait(id api.ContainerID, p *process) {
	err := p.cmd.Wait()
	close(p.done)

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()

	var code int32
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = int32(exitErr.ExitCode())
		} else {
			code = -1
			s.logger.Warn("Failed to wait on container process",
				zap.String("container", id.String()),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("Container process exited",
		zap.String("container", id.String()),
		zap.Int32("code", code),
	)
	s.poster.Dispatch(events.NewContainerExited(id, code))
}

// kill escalates from SIGTERM through SIGKILL. A container with no tracked
// process is reported exited so its state machine can finish tearing down.
func (s *Service) kill(id api.ContainerID) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Kill for container with no tracked process",
			zap.String("container", id.String()),
		)
		s.poster.Dispatch(events.NewContainerExited(id, -1))
		return
	}

	// Signal the whole process group so children die with the leader.
	pgid := -p.cmd.Process.Pid
	s.logger.Info("Killing container process",
		zap.String("container", id.String()),
		zap.Int("pid", p.cmd.Process.Pid),
	)
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-p.done:
		return
	case <-time.After(s.config.KillGrace):
	}

	s.logger.Warn("Container ignored SIGTERM, escalating",
		zap.String("container", id.String()),
	)
	_ = syscall.Kill(pgid, syscall.SIGKILL)

	select {
	case <-p.done:
	case <-time.After(s.config.KillForce):
		s.logger.Error("Container survived SIGKILL",
			zap.String("container", id.String()),
		)
	}
}

// cleanup reclaims the container working directory and acknowledges.
func (s *Service) cleanup(id api.ContainerID) {
	if err := os.RemoveAll(s.workDir(id)); err != nil {
		s.logger.Warn("Failed to remove container work dir",
			zap.String("container", id.String()),
			zap.Error(err),
		)
	}
	s.poster.Dispatch(events.NewContainerCleanupDone(id))
}

func (s *Service) launchFailed(id api.ContainerID, err error) {
	s.logger.Error("Failed to launch container",
		zap.String("container", id.String()),
		zap.Error(err),
	)
	s.poster.Dispatch(events.NewContainerDiagnostics(id, fmt.Sprintf("Launch failed: %v", err)))
	s.poster.Dispatch(events.NewContainerExited(id, -1))
}

func (s *Service) workDir(id api.ContainerID) string {
	return filepath.Join(s.config.WorkRoot, id.String())
}

// buildEnv assembles the process environment: the declared variables plus
// the identifiers scripts need to find their inputs.
func buildEnv(e events.LaunchEvent, workDir string) []string {
	env := make([]string, 0, len(e.Context.Env)+4)
	env = append(env,
		"PATH="+os.Getenv("PATH"),
		"CONTAINER_ID="+e.Container.String(),
		"APPLICATION_ID="+e.Container.App.String(),
		"CONTAINER_WORK_DIR="+workDir,
	)
	for k, v := range e.Context.Env {
		env = append(env, k+"="+v)
	}
	return env
}
