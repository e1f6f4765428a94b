package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ErrGracefulShutdownTimeout is returned by Run when the node does not stop
// within the configured shutdown timeout after a termination signal.
var ErrGracefulShutdownTimeout = errors.New("supervisor: graceful shutdown timed out")

// Node is the narrow view of the host node the supervisor needs: a way to
// learn that it exited on its own, and a way to ask it to stop.
type Node interface {
	// Wait returns a channel that receives the node's exit error (nil for a
	// clean exit) once the node has stopped, whether on its own (e.g. a
	// fatal error unrelated to shutdown) or after Stop.
	Wait() <-chan error
	// Stop requests the node begin shutting down. It must be safe to call
	// more than once.
	Stop()
}

// Supervisor races a host node's natural exit against an incoming
// termination signal, then bounds the resulting shutdown by a timeout.
type Supervisor struct {
	cfg Config

	// fallbackChecksRun counts fallback status-check loop iterations, for
	// tests to observe how far the loop progressed before MaxFallbackChecks.
	fallbackChecksRun atomic.Int64
}

// New constructs a Supervisor from cfg.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run blocks until node exits on its own, or a termination signal arrives
// and the subsequent bounded shutdown completes. It returns the node's exit
// error, ErrGracefulShutdownTimeout if the shutdown deadline is exceeded, or
// nil on a clean exit. The caller should treat a non-nil return as exit
// status 1.
func (s *Supervisor) Run(ctx context.Context, node Node) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals()...)
	defer signal.Stop(sigCh)

	var fallback <-chan time.Time
	if s.cfg.EnableFallbackStatusChecks {
		ticker := time.NewTicker(s.cfg.StatusCheckInterval)
		defer ticker.Stop()
		fallback = ticker.C
	}

	exit := node.Wait()

	for {
		select {
		case err := <-exit:
			log.Info("node exited", "err", err)
			return err

		case sig := <-sigCh:
			log.Info("received termination signal, initiating graceful shutdown", "signal", sig)
			return s.shutdown(node, exit)

		case <-fallback:
			n := s.fallbackChecksRun.Add(1)
			if n > int64(s.cfg.MaxFallbackChecks) {
				log.Warn("fallback status checks exhausted, disabling further checks", "max", s.cfg.MaxFallbackChecks)
				fallback = nil
				continue
			}
			log.Debug("fallback status check", "count", n)

		case <-ctx.Done():
			log.Info("supervisor context canceled, initiating graceful shutdown")
			return s.shutdown(node, exit)
		}
	}
}

// shutdown requests node.Stop and waits up to ShutdownTimeout for it to
// exit, returning ErrGracefulShutdownTimeout on expiry.
func (s *Supervisor) shutdown(node Node, exit <-chan error) error {
	node.Stop()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-exit:
		log.Info("node shutdown completed gracefully")
		return err
	case <-timer.C:
		log.Warn("node shutdown timed out", "timeout", s.cfg.ShutdownTimeout)
		return ErrGracefulShutdownTimeout
	}
}

// FallbackChecksRun reports how many fallback status-check ticks have fired
// so far, for tests and diagnostics.
func (s *Supervisor) FallbackChecksRun() int64 {
	return s.fallbackChecksRun.Load()
}

func terminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
