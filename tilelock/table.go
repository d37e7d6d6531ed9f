// Package tilelock implements the per-tile-path advisory lock table (C4)
// that brackets the coloring step of every cache Push and recolor so two
// goroutines never mutate the same tile's output buffer concurrently.
package tilelock

import (
	"container/list"
	"context"
	"sync"

	"github.com/hobu/plasio-cache/treepath"
)

// Table is a set of independent, per-path mutexes with a FIFO waiter
// queue: callers blocked on the same path are granted the lock in the
// order they called Lock, mirroring the teacher's resource-graph lock
// ordering conventions.
type Table struct {
	mu      sync.Mutex
	entries map[treepath.Path]*entry
}

type entry struct {
	held    bool
	waiters *list.List // of chan struct{}
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[treepath.Path]*entry)}
}

// Lock acquires the advisory lock for path, blocking until it is free or
// ctx is done. Waiters are granted the lock in FIFO call order.
func (t *Table) Lock(ctx context.Context, path treepath.Path) error {
	t.mu.Lock()
	e, ok := t.entries[path]
	if !ok {
		e = &entry{waiters: list.New()}
		t.entries[path] = e
	}

	if !e.held {
		e.held = true
		t.mu.Unlock()
		return nil
	}

	wait := make(chan struct{})
	elem := e.waiters.PushBack(wait)
	t.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		e.waiters.Remove(elem)
		t.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases path's lock, waking the next FIFO waiter if any, or
// dropping the entry entirely if the table has no other state to keep
// for it.
func (t *Table) Unlock(path treepath.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok || !e.held {
		return
	}

	front := e.waiters.Front()
	if front == nil {
		e.held = false
		delete(t.entries, path)
		return
	}

	e.waiters.Remove(front)
	wait := front.Value.(chan struct{})
	close(wait)
}
