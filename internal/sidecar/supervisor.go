package sidecar

import (
	"context"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// SupervisorConfig bounds sidecar process restarts.
type SupervisorConfig struct {
	Binary       string        // path to the sidecar executable
	Args         []string      // passed verbatim
	MaxRestarts  int           // restarts allowed inside Window (default 5)
	Window       time.Duration // sliding window (default 60s)
	RestartDelay time.Duration // fixed delay between attempts (default 2s)
}

// Supervisor runs the sidecar process and restarts it on exit, up to
// MaxRestarts within the sliding Window. Exceeding the limit disables
// auto-restart and surfaces a critical status.
type Supervisor struct {
	cfg SupervisorConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	restarts []time.Time
	disabled bool

	// OnCritical is invoked once when the restart limit is exhausted.
	OnCritical func(reason string)
}

// NewSupervisor creates a supervisor with defaulted limits.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	return &Supervisor{cfg: cfg}
}

// Run starts the sidecar and supervises it until ctx is cancelled or the
// restart budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.allowStart() {
			log.Printf("[sidecar-supervisor] restart limit (%d in %v) exhausted — auto-restart disabled",
				s.cfg.MaxRestarts, s.cfg.Window)
			if s.OnCritical != nil {
				s.OnCritical("sidecar restart limit exhausted")
			}
			return
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[sidecar-supervisor] sidecar exited: %v — restarting in %v", err, s.cfg.RestartDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

// Healthy reports whether supervision is still active.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// Stop terminates the running sidecar process, if any.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return err
	}
	log.Printf("[sidecar-supervisor] started %s (pid %d)", s.cfg.Binary, cmd.Process.Pid)
	return cmd.Wait()
}

// allowStart records an attempt and enforces the sliding-window budget.
func (s *Supervisor) allowStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-s.cfg.Window)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= s.cfg.MaxRestarts {
		s.disabled = true
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}
