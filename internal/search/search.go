// Package search defines the search-engine port used by the index writer
// and the retention sweeper, along with the mapping from engine item errors
// to retry classes.
package search

import (
	"context"
	"encoding/json"
	"time"
)

// Operation is one document write inside a bulk request. Writes use the
// "index" op type so a repeated ID overwrites instead of duplicating.
type Operation struct {
	Index string
	ID    string
	Body  json.RawMessage
}

// ItemResult is the engine's per-operation answer, positionally aligned
// with the request.
type ItemResult struct {
	Status    int
	ErrorType string
	Reason    string
}

func (r ItemResult) Succeeded() bool {
	return r.Status >= 200 && r.Status < 300
}

// IndexRecord describes an existing index. DocCount is -1 when unknown.
type IndexRecord struct {
	Name      string
	CreatedAt time.Time
	DocCount  int64
}

// Engine is the subset of the search engine indexsync relies on. It must be
// safe for concurrent use.
type Engine interface {
	// Bulk writes ops in one request. A non-nil error means the request as a
	// whole failed and no item result is available.
	Bulk(ctx context.Context, ops []Operation) ([]ItemResult, error)
	ListIndices(ctx context.Context, patterns []string) ([]IndexRecord, error)
	// CreateIndex succeeds if the index already exists.
	CreateIndex(ctx context.Context, name string) error
	// DeleteIndex returns an error wrapping errors.ErrIndexNotFound when the
	// index is already gone.
	DeleteIndex(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

// Snapshotter is implemented by engines that can back an index up before the
// sweeper deletes it.
type Snapshotter interface {
	SnapshotInProgress(ctx context.Context) (bool, error)
	CreateSnapshot(ctx context.Context, repository, snapshot, index string) error
	SnapshotSucceeded(ctx context.Context, repository, snapshot string) (bool, error)
}

type Class int

const (
	ClassAccepted Class = iota
	ClassRetryable
	ClassMissingIndex
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassAccepted:
		return "accepted"
	case ClassRetryable:
		return "retryable"
	case ClassMissingIndex:
		return "missing_index"
	default:
		return "permanent"
	}
}

var retryableTypes = map[string]bool{
	"es_rejected_execution_exception":         true,
	"circuit_breaking_exception":              true,
	"unavailable_shards_exception":            true,
	"timeout_exception":                       true,
	"process_cluster_event_timeout_exception": true,
	"cluster_block_exception":                 true,
	"node_not_connected_exception":            true,
	"no_shard_available_action_exception":     true,
}

// Classify maps an item result onto the writer's retry classes. Capacity and
// availability problems are retryable; structural document errors are not.
func Classify(r ItemResult) Class {
	if r.Succeeded() {
		return ClassAccepted
	}
	if r.ErrorType == "index_not_found_exception" {
		return ClassMissingIndex
	}
	if retryableTypes[r.ErrorType] {
		return ClassRetryable
	}
	switch r.Status {
	case 429, 502, 503, 504:
		return ClassRetryable
	}
	return ClassPermanent
}
