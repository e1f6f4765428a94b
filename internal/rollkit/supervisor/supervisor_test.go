package supervisor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

type fakeNode struct {
	exit      chan error
	stopped   chan struct{}
	stopErr   error
	stopDelay time.Duration
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		exit:    make(chan error, 1),
		stopped: make(chan struct{}, 1),
	}
}

func (n *fakeNode) Wait() <-chan error { return n.exit }

func (n *fakeNode) Stop() {
	select {
	case n.stopped <- struct{}{}:
	default:
	}
	go func() {
		if n.stopDelay > 0 {
			time.Sleep(n.stopDelay)
		}
		select {
		case n.exit <- n.stopErr:
		default:
		}
	}()
}

func TestRunExitsCleanlyWhenNodeExitsOnItsOwn(t *testing.T) {
	node := newFakeNode()
	s := New(Config{ShutdownTimeout: time.Second, StatusCheckInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), node) }()

	node.exit <- nil

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after node exited")
	}
}

func TestRunStopsNodeOnContextCancel(t *testing.T) {
	node := newFakeNode()
	s := New(Config{ShutdownTimeout: time.Second, StatusCheckInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, node) }()

	cancel()

	select {
	case <-node.stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop was not called after context cancellation")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRunReturnsTimeoutWhenNodeNeverStops(t *testing.T) {
	node := newFakeNode()
	node.stopDelay = time.Hour // effectively never, within the test's window
	s := New(Config{ShutdownTimeout: 20 * time.Millisecond, StatusCheckInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, node) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrGracefulShutdownTimeout) {
			t.Fatalf("expected ErrGracefulShutdownTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown timeout")
	}
}

func TestRunHandlesSignal(t *testing.T) {
	node := newFakeNode()
	s := New(Config{ShutdownTimeout: time.Second, StatusCheckInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), node) }()

	// Give Run time to install its signal handler before sending.
	time.Sleep(20 * time.Millisecond)
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Skipf("platform does not support sending SIGTERM to self: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}

func TestRunFallbackStatusChecksStopAfterMax(t *testing.T) {
	node := newFakeNode()
	s := New(Config{
		ShutdownTimeout:            time.Second,
		StatusCheckInterval:        5 * time.Millisecond,
		EnableFallbackStatusChecks: true,
		MaxFallbackChecks:          2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, node) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if got := s.FallbackChecksRun(); got != int64(3) {
		t.Fatalf("expected exactly max+1 fallback ticks (the last one disables the loop), got %d", got)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, name := range []string{"SHUTDOWN_TIMEOUT", "STATUS_CHECK_INTERVAL", "ENABLE_FALLBACK_STATUS_CHECKS", "MAX_FALLBACK_CHECKS"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	cfg := ConfigFromEnv()
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("expected default shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
	if cfg.StatusCheckInterval != defaultStatusCheckInterval {
		t.Fatalf("expected default status check interval, got %v", cfg.StatusCheckInterval)
	}
	if cfg.EnableFallbackStatusChecks != defaultEnableFallbackStatusChecks {
		t.Fatalf("expected default fallback checks flag, got %v", cfg.EnableFallbackStatusChecks)
	}
	if cfg.MaxFallbackChecks != defaultMaxFallbackChecks {
		t.Fatalf("expected default max fallback checks, got %d", cfg.MaxFallbackChecks)
	}
}

func TestConfigFromEnvOutOfRangeFallsBackToDefault(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "9999")
	t.Setenv("STATUS_CHECK_INTERVAL", "not-a-number")
	t.Setenv("MAX_FALLBACK_CHECKS", "-5")

	cfg := ConfigFromEnv()
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("expected out-of-range value to fall back to default, got %v", cfg.ShutdownTimeout)
	}
	if cfg.StatusCheckInterval != defaultStatusCheckInterval {
		t.Fatalf("expected malformed value to fall back to default, got %v", cfg.StatusCheckInterval)
	}
	if cfg.MaxFallbackChecks != defaultMaxFallbackChecks {
		t.Fatalf("expected negative value to fall back to default, got %d", cfg.MaxFallbackChecks)
	}
}

func TestConfigFromEnvValidValues(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "30")
	t.Setenv("STATUS_CHECK_INTERVAL", "60")
	t.Setenv("ENABLE_FALLBACK_STATUS_CHECKS", "true")
	t.Setenv("MAX_FALLBACK_CHECKS", "10")

	cfg := ConfigFromEnv()
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("expected 30s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
	if cfg.StatusCheckInterval != 60*time.Second {
		t.Fatalf("expected 60s status check interval, got %v", cfg.StatusCheckInterval)
	}
	if !cfg.EnableFallbackStatusChecks {
		t.Fatal("expected fallback checks enabled")
	}
	if cfg.MaxFallbackChecks != 10 {
		t.Fatalf("expected 10 max fallback checks, got %d", cfg.MaxFallbackChecks)
	}
}
