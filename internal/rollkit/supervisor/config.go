// Package supervisor implements signal-driven, bounded graceful shutdown:
// it races the host node's exit against a termination signal, and once a
// signal arrives, bounds the subsequent shutdown by a configurable
// timeout, exiting non-zero if the host node fails to stop in time.
package supervisor

import (
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	minShutdownTimeout     = 1 * time.Second
	maxShutdownTimeout     = 300 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	minStatusCheckInterval     = 1 * time.Second
	maxStatusCheckInterval     = 21600 * time.Second
	defaultStatusCheckInterval = 3600 * time.Second

	defaultEnableFallbackStatusChecks = false
	defaultMaxFallbackChecks          = 24
)

// Config holds the supervisor's environment-configurable parameters.
type Config struct {
	// ShutdownTimeout bounds how long the supervisor waits for the host node
	// to exit after a termination signal before forcing process exit.
	ShutdownTimeout time.Duration
	// StatusCheckInterval is the period of the fallback status-check loop.
	StatusCheckInterval time.Duration
	// EnableFallbackStatusChecks turns on a periodic status log entry, every
	// StatusCheckInterval, in addition to signal-driven shutdown. The check
	// does not query the node.
	EnableFallbackStatusChecks bool
	// MaxFallbackChecks bounds how many fallback status checks run before
	// the loop stops.
	MaxFallbackChecks int
}

// ConfigFromEnv reads SHUTDOWN_TIMEOUT, STATUS_CHECK_INTERVAL,
// ENABLE_FALLBACK_STATUS_CHECKS, and MAX_FALLBACK_CHECKS from the process
// environment, falling back to the documented default for any value that is
// missing, malformed, or out of range. Out-of-range values fall back to the
// default rather than clamping to the nearest bound, matching the source
// behavior.
func ConfigFromEnv() Config {
	return Config{
		ShutdownTimeout:            durationFromEnv("SHUTDOWN_TIMEOUT", defaultShutdownTimeout, minShutdownTimeout, maxShutdownTimeout),
		StatusCheckInterval:        durationFromEnv("STATUS_CHECK_INTERVAL", defaultStatusCheckInterval, minStatusCheckInterval, maxStatusCheckInterval),
		EnableFallbackStatusChecks: boolFromEnv("ENABLE_FALLBACK_STATUS_CHECKS", defaultEnableFallbackStatusChecks),
		MaxFallbackChecks:          intFromEnv("MAX_FALLBACK_CHECKS", defaultMaxFallbackChecks, 0),
	}
}

func durationFromEnv(name string, def, min, max time.Duration) time.Duration {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid supervisor environment variable, using default", "name", name, "value", raw, "default", def)
		return def
	}
	d := time.Duration(seconds) * time.Second
	if d < min || d > max {
		log.Warn("supervisor environment variable out of range, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return d
}

func intFromEnv(name string, def, min int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid supervisor environment variable, using default", "name", name, "value", raw, "default", def)
		return def
	}
	if v < min {
		log.Warn("supervisor environment variable out of range, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return v
}

func boolFromEnv(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn("invalid supervisor environment variable, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return v
}
