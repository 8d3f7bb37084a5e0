// Package pathlock provides in-process locks keyed by filesystem path.
//
// Callers guard one resource (a config file, an installation folder) without
// contending with callers guarding a different one.
package pathlock

import (
	"path/filepath"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per normalized path.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Default is the process-wide Locker.
var Default = New()

// Acquire blocks until the lock for path is held and returns its release
// function. Release must be called exactly once.
func (l *Locker) Acquire(path string) (release func()) {
	key := normalize(path)

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Held reports how many callers currently hold or wait on path.
func (l *Locker) Held(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[normalize(path)]; ok {
		return e.refs
	}
	return 0
}

func normalize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
