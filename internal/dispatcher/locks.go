// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import "sync"

// keyedLocks hands out non-blocking per-key locks. The pool uses them to
// guarantee at most one request is outstanding per webhook, which keeps
// deliveries to an endpoint in event order without stalling workers.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

// tryAcquire takes the lock for key, returning false without blocking when
// another holder has it.
func (l *keyedLocks) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// release returns the lock for key. Only the holder may call it.
func (l *keyedLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
