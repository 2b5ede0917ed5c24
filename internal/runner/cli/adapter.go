// Package cli wraps the external agentic CLI programs behind a uniform
// invocation and health-check surface.
package cli

import (
	"context"
	"sync"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
)

// InvocationKind tags what the invocation is processing.
type InvocationKind string

const (
	KindTask InvocationKind = "task"
	KindChat InvocationKind = "chat"
)

// Request describes one CLI invocation. The child is expected to write its
// JSON response to OutputPath; the adapter never reads that file.
type Request struct {
	InputPath  string
	OutputPath string
	WorkingDir string
	Kind       InvocationKind
}

// Result is the outcome of a finished invocation.
type Result struct {
	Success  bool
	ExitCode int
	Stderr   string
}

// Invocation is a started CLI subprocess.
type Invocation interface {
	// Kill terminates the subprocess. Safe to call after exit.
	Kill() error
	// Wait blocks until the subprocess exits and returns its result.
	Wait() Result
}

// Health states reported by HealthCheck.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthNotFound  = "not_found"
)

// HealthStatus is the outcome of probing a CLI binary.
type HealthStatus struct {
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Adapter drives one CLI kind.
type Adapter interface {
	Kind() models.CLIType
	// Available reports whether the binary can be found without running it.
	Available() bool
	Invoke(ctx context.Context, req Request) (Invocation, error)
	HealthCheck(ctx context.Context) HealthStatus
}

// Set holds one adapter per CLI kind plus an optional process-scoped override
// that replaces every adapter. Tests install fake adapters through it.
type Set struct {
	mu       sync.RWMutex
	adapters map[models.CLIType]Adapter
	override Adapter
	health   map[models.CLIType]HealthStatus
}

// NewSet builds the production adapters for every supported CLI kind.
func NewSet(log *logger.Logger) *Set {
	adapters := make(map[models.CLIType]Adapter, len(models.AllCLITypes))
	for _, kind := range models.AllCLITypes {
		adapters[kind] = newExecAdapter(kind, log)
	}
	return &Set{
		adapters: adapters,
		health:   make(map[models.CLIType]HealthStatus),
	}
}

// For returns the adapter for a kind, or the override when one is installed.
// Returns nil for an unknown kind with no override.
func (s *Set) For(kind models.CLIType) Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override != nil {
		return s.override
	}
	return s.adapters[kind]
}

// SetOverride installs an adapter that replaces all kinds. Pass nil to clear.
func (s *Set) SetOverride(adapter Adapter) {
	s.mu.Lock()
	s.override = adapter
	s.mu.Unlock()
}

// Available reports whether an adapter can serve the kind.
func (s *Set) Available(kind models.CLIType) bool {
	adapter := s.For(kind)
	return adapter != nil && adapter.Available()
}

// CheckAll probes every kind and caches the results for HealthSnapshot.
func (s *Set) CheckAll(ctx context.Context) map[models.CLIType]HealthStatus {
	results := make(map[models.CLIType]HealthStatus, len(models.AllCLITypes))
	for _, kind := range models.AllCLITypes {
		adapter := s.For(kind)
		if adapter == nil {
			continue
		}
		results[kind] = adapter.HealthCheck(ctx)
	}

	s.mu.Lock()
	for kind, status := range results {
		s.health[kind] = status
	}
	s.mu.Unlock()
	return results
}

// HealthSnapshot returns the last cached health results. Kinds never probed
// are absent from the map.
func (s *Set) HealthSnapshot() map[models.CLIType]HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[models.CLIType]HealthStatus, len(s.health))
	for kind, status := range s.health {
		snapshot[kind] = status
	}
	return snapshot
}

// FirstHealthy probes the kinds in declaration order and returns the first
// healthy one.
func (s *Set) FirstHealthy(ctx context.Context) (models.CLIType, bool) {
	for _, kind := range models.AllCLITypes {
		adapter := s.For(kind)
		if adapter == nil {
			continue
		}
		if status := adapter.HealthCheck(ctx); status.Status == HealthHealthy {
			return kind, true
		}
	}
	return "", false
}
