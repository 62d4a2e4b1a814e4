// Package arena owns the ephemeral resources a test case allocates during
// expression evaluation: temp files and reserved TCP ports. Every case gets
// its own Arena inside a run-wide temp directory; ReleaseAll is idempotent
// and guaranteed to run whatever the case outcome.
package arena

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"execspec/pkg/logging"
)

// Supplier owns the run-wide temp directory and hands out per-case arenas
// as distinct subdirectories.
type Supplier struct {
	root string
	mu   sync.Mutex
	seq  int
}

// NewSupplier creates the run-wide temp directory.
func NewSupplier() (*Supplier, error) {
	root, err := os.MkdirTemp("", "execspec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create run temp directory: %w", err)
	}
	return &Supplier{root: root}, nil
}

// Root returns the run-wide temp directory path.
func (s *Supplier) Root() string { return s.root }

// NewArena allocates the next per-case arena directory.
func (s *Supplier) NewArena() (*Arena, error) {
	s.mu.Lock()
	s.seq++
	n := s.seq
	s.mu.Unlock()

	dir := filepath.Join(s.root, fmt.Sprintf("case-%d", n))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create arena directory: %w", err)
	}
	return &Arena{dir: dir}, nil
}

// Close removes the run-wide temp directory. Cleanup errors are logged and
// swallowed.
func (s *Supplier) Close() {
	if err := os.RemoveAll(s.root); err != nil {
		logging.Warn("arena", "failed to remove run temp directory %s: %v", s.root, err)
	}
}

// Arena is the per-case resource bag.
type Arena struct {
	mu       sync.Mutex
	dir      string
	files    int
	ports    []int
	released bool
}

// NewTempFile writes contents to a fresh file owned by the arena and returns
// its absolute path. Files are private to the current user.
func (a *Arena) NewTempFile(contents []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return "", fmt.Errorf("arena already released")
	}
	a.files++
	path := filepath.Join(a.dir, fmt.Sprintf("tmp-%d", a.files))
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		return "", fmt.Errorf("failed to write tmp file %s: %w", path, err)
	}
	return path, nil
}

// ReservePort binds a loopback listener on an ephemeral port, closes it and
// returns the port number. The reservation is best-effort: the port is free
// at the time of the call, but nothing stops another process from grabbing
// it before the child does.
func (a *Arena) ReservePort() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return 0, fmt.Errorf("arena already released")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("failed to release reserved port %d: %w", port, err)
	}
	a.ports = append(a.ports, port)
	return port, nil
}

// Ports returns the ports reserved so far, for diagnostics.
func (a *Arena) Ports() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.ports...)
}

// ReleaseAll deletes the arena directory and all temp files in it. It never
// fails and may be called more than once.
func (a *Arena) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	if err := os.RemoveAll(a.dir); err != nil {
		logging.Warn("arena", "failed to remove arena directory %s: %v", a.dir, err)
	}
}
