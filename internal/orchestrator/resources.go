package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Scope tracks resources acquired during one stage invocation and releases
// them in LIFO order on every exit path: success, retryable failure,
// terminal failure, or cancellation. Stages must route all temporary
// directories, locks and process handles through their scope; nothing
// acquired here survives the invocation.
type Scope struct {
	mu       sync.Mutex
	releases []func() error
	closed   bool
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Defer registers a release function. Release order is LIFO.
func (s *Scope) Defer(release func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Acquisition after close is a programming error; release
		// immediately rather than leak.
		if err := release(); err != nil {
			slog.Warn("[Scope] Release after close failed", "error", err)
		}
		return
	}
	s.releases = append(s.releases, release)
}

// TempDir creates a scratch directory removed when the scope closes.
func (s *Scope) TempDir(parent, pattern string) (string, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", fmt.Errorf("failed to create scratch parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	s.Defer(func() error { return os.RemoveAll(dir) })
	return dir, nil
}

// Close releases everything in LIFO order. Individual release failures are
// logged and do not stop the remaining releases. Close is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.closed = true
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](); err != nil {
			slog.Warn("[Scope] Resource release failed", "error", err)
		}
	}
}
