// Package notify provides a broadcast wakeup usable in select statements.
package notify

import (
	"context"
	"sync"
	"time"
)

// Signal wakes every goroutine waiting on it. Waiters take the channel first,
// re-check their condition, then block on the channel, so a Broadcast between the
// check and the block is never lost.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns the channel closed by the next Broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Broadcast wakes everyone holding the current channel.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Wait blocks until ch is closed, timeout elapses or ctx ends. It returns false
// only when ctx ended.
func Wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Keyed holds one Signal per key.
type Keyed[K comparable] struct {
	signals sync.Map
}

// Get returns the signal for key, creating it on first use.
func (k *Keyed[K]) Get(key K) *Signal {
	if s, ok := k.signals.Load(key); ok {
		return s.(*Signal)
	}
	s, _ := k.signals.LoadOrStore(key, NewSignal())
	return s.(*Signal)
}

// Broadcast wakes the waiters on key's signal without creating one.
func (k *Keyed[K]) Broadcast(key K) {
	if s, ok := k.signals.Load(key); ok {
		s.(*Signal).Broadcast()
	}
}

// Delete drops key's signal after waking its waiters. A later Get creates a new one.
func (k *Keyed[K]) Delete(key K) {
	if s, ok := k.signals.LoadAndDelete(key); ok {
		s.(*Signal).Broadcast()
	}
}
