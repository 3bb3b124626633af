// Package health implements the preflight checks a shard process runs
// before it starts fetching: is the scratch directory writable, is the
// object store reachable, is the ledger source reachable. Checks share a
// common Checker interface and a consecutive-failure/success Status
// tracker so a flaky check does not flip state on a single blip.
package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check.
type CheckType string

const (
	CheckTypeHTTP        CheckType = "http"
	CheckTypeFilesystem  CheckType = "filesystem"
	CheckTypeObjectStore CheckType = "object_store"
)

// Result represents the outcome of a health check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface every preflight check implements.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config contains common configuration for all health checks.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health status derived from a sequence of
// check results.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a new Status, optimistically healthy until proven
// otherwise.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds a new check result into the status.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// InStartPeriod reports whether we're still in the startup grace period.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}

// RunAll runs every checker and returns the first unhealthy result, or a
// healthy aggregate result if every checker passed. Used at process start
// where any single failing preflight check should abort startup.
func RunAll(ctx context.Context, checkers []Checker) (Result, Checker) {
	for _, c := range checkers {
		res := c.Check(ctx)
		if !res.Healthy {
			return res, c
		}
	}
	return Result{Healthy: true, Message: "all preflight checks passed", CheckedAt: time.Now()}, nil
}
