// Package lease implements the per-index advisory locks shared by the index
// writer and the retention sweeper. Writers take shared leases and wait for
// a running deletion; the sweeper takes an exclusive lease and never waits.
package lease

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	writers  int
	deleting bool
	// closed when the deletion holding this entry finishes
	freed chan struct{}
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// AcquireWrite takes a shared lease on every name, blocking while any of
// them is being deleted. Leases are granted all at once or not at all. The
// returned func releases them and is safe to call more than once.
func (t *Table) AcquireWrite(ctx context.Context, names ...string) (func(), error) {
	names = dedupe(names)
	for {
		t.mu.Lock()
		var wait chan struct{}
		for _, n := range names {
			if e, ok := t.entries[n]; ok && e.deleting {
				wait = e.freed
				break
			}
		}
		if wait == nil {
			for _, n := range names {
				t.entry(n).writers++
			}
			t.mu.Unlock()
			return t.releaser(func() {
				for _, n := range names {
					e := t.entries[n]
					e.writers--
					t.gc(n, e)
				}
			}), nil
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquireDelete takes the exclusive lease on name if nobody writes to or
// deletes it.
func (t *Table) TryAcquireDelete(name string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(name)
	if e.writers > 0 || e.deleting {
		t.gc(name, e)
		return nil, false
	}
	e.deleting = true
	e.freed = make(chan struct{})
	return t.releaser(func() {
		e.deleting = false
		close(e.freed)
		t.gc(name, e)
	}), true
}

// Writers returns the number of shared leases held on name.
func (t *Table) Writers(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok {
		return e.writers
	}
	return 0
}

func (t *Table) releaser(fn func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			fn()
		})
	}
}

func (t *Table) entry(name string) *entry {
	e, ok := t.entries[name]
	if !ok {
		e = &entry{}
		t.entries[name] = e
	}
	return e
}

// gc must be called with mu held.
func (t *Table) gc(name string, e *entry) {
	if e.writers == 0 && !e.deleting && t.entries[name] == e {
		delete(t.entries, name)
	}
}

func dedupe(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	j := 0
	for i, n := range out {
		if i == 0 || n != out[j-1] {
			out[j] = n
			j++
		}
	}
	return out[:j]
}
