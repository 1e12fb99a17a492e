// Package memory is an in-process search.Engine used by tests and dry runs.
// It keeps documents per index keyed by ID, so rewriting an ID overwrites,
// and lets callers inject per-document failures and request hooks.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
)

var (
	_ search.Engine      = (*Engine)(nil)
	_ search.Snapshotter = (*Engine)(nil)
)

type index struct {
	createdAt time.Time
	docs      map[string]json.RawMessage
}

// Engine is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	indices   map[string]*index
	failures  map[string][]search.ItemResult
	deleteErr map[string]error
	snapshots map[string]string
	deleted   []string
	requests  int

	// AutoCreate mirrors action.auto_create_index. When false, writes to a
	// missing index fail with index_not_found_exception.
	AutoCreate bool
	// BulkHook runs before every bulk request; a non-nil error fails the
	// whole request.
	BulkHook func(ctx context.Context, ops []search.Operation) error
	Now      func() time.Time
}

func New() *Engine {
	return &Engine{
		indices:    make(map[string]*index),
		failures:   make(map[string][]search.ItemResult),
		deleteErr:  make(map[string]error),
		snapshots:  make(map[string]string),
		AutoCreate: true,
		Now:        time.Now,
	}
}

// AddIndex registers an index with an explicit creation time.
func (e *Engine) AddIndex(name string, createdAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indices[name] = &index{createdAt: createdAt, docs: make(map[string]json.RawMessage)}
}

// FailDocument queues results returned for the next writes of id, one per
// attempt, before the write is allowed to succeed.
func (e *Engine) FailDocument(id string, results ...search.ItemResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[id] = append(e.failures[id], results...)
}

// FailDelete makes DeleteIndex(name) return err.
func (e *Engine) FailDelete(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleteErr[name] = err
}

func (e *Engine) Bulk(ctx context.Context, ops []search.Operation) ([]search.ItemResult, error) {
	if e.BulkHook != nil {
		if err := e.BulkHook(ctx, ops); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	results := make([]search.ItemResult, len(ops))
	for i, op := range ops {
		if queued := e.failures[op.ID]; len(queued) > 0 {
			results[i] = queued[0]
			e.failures[op.ID] = queued[1:]
			continue
		}
		idx, ok := e.indices[op.Index]
		if !ok {
			if !e.AutoCreate {
				results[i] = search.ItemResult{Status: 404, ErrorType: "index_not_found_exception", Reason: "no such index [" + op.Index + "]"}
				continue
			}
			idx = &index{createdAt: e.Now(), docs: make(map[string]json.RawMessage)}
			e.indices[op.Index] = idx
		}
		status := 201
		if _, exists := idx.docs[op.ID]; exists {
			status = 200
		}
		idx.docs[op.ID] = append(json.RawMessage(nil), op.Body...)
		results[i] = search.ItemResult{Status: status}
	}
	return results, nil
}

func (e *Engine) ListIndices(ctx context.Context, patterns []string) ([]search.IndexRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []search.IndexRecord
	for name, idx := range e.indices {
		if !matchAny(patterns, name) {
			continue
		}
		out = append(out, search.IndexRecord{Name: name, CreatedAt: idx.createdAt, DocCount: int64(len(idx.docs))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) CreateIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[name]; !ok {
		e.indices[name] = &index{createdAt: e.Now(), docs: make(map[string]json.RawMessage)}
	}
	return nil
}

func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.deleteErr[name]; err != nil {
		return err
	}
	if _, ok := e.indices[name]; !ok {
		return apperrors.Newf(apperrors.ErrIndexNotFound, "%s", name)
	}
	delete(e.indices, name)
	e.deleted = append(e.deleted, name)
	return nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (e *Engine) SnapshotInProgress(ctx context.Context) (bool, error) {
	return false, nil
}

func (e *Engine) CreateSnapshot(ctx context.Context, repository, snapshot, idx string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indices[idx]; !ok {
		return fmt.Errorf("snapshot %s: no such index %s", snapshot, idx)
	}
	e.snapshots[repository+"/"+snapshot] = "SUCCESS"
	return nil
}

func (e *Engine) SnapshotSucceeded(ctx context.Context, repository, snapshot string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshots[repository+"/"+snapshot] == "SUCCESS", nil
}

// Snapshots lists "repository/snapshot" keys taken so far.
func (e *Engine) Snapshots() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.snapshots))
	for k := range e.snapshots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Document returns the stored body of id in index.
func (e *Engine) Document(indexName, id string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indices[indexName]
	if !ok {
		return nil, false
	}
	doc, ok := idx.docs[id]
	return doc, ok
}

// Count returns the number of documents across all indices.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, idx := range e.indices {
		n += len(idx.docs)
	}
	return n
}

// Deleted lists indices removed through DeleteIndex, in order.
func (e *Engine) Deleted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.deleted...)
}

// Requests returns the number of bulk requests that reached storage.
func (e *Engine) Requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
