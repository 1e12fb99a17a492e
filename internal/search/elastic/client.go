// Package elastic implements search.Engine and search.Snapshotter on top of
// the official go-elasticsearch client. Every request passes through a
// circuit breaker that only counts connectivity failures, so item-level
// rejections never trip it.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

var (
	_ search.Engine      = (*Client)(nil)
	_ search.Snapshotter = (*Client)(nil)
)

const breakerName = "elasticsearch"

// Client is safe for concurrent use; the underlying transport pools
// connections.
type Client struct {
	es      *elasticsearch.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New builds a client for cfg.Addresses. Retries are left to the callers,
// which know whether a request is safe to repeat.
func New(cfg config.ElasticsearchConfig, m *metrics.Metrics) (*Client, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	breaker := resilience.NewCircuitBreaker(breakerName, resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
		IsFailure: func(err error) bool {
			return apperrors.Is(err, apperrors.ErrConnectivity)
		},
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	m.CircuitBreakerState.WithLabelValues(breakerName).Set(float64(resilience.StateClosed))
	return &Client{
		es:      es,
		breaker: breaker,
		logger:  slog.Default().With("component", "elasticsearch"),
	}, nil
}

// do runs one request through the breaker. Transport errors, an open
// circuit, any 5xx and authentication failures come back as
// ErrConnectivity with the body already closed; any other response is
// returned to the caller.
func (c *Client) do(op string, fn func() (*esapi.Response, error)) (*esapi.Response, error) {
	var res *esapi.Response
	err := c.breaker.Execute(func() error {
		r, err := fn()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", apperrors.ErrConnectivity, op, err)
		}
		if unreachable(r.StatusCode) {
			body := readBody(r)
			return fmt.Errorf("%w: %s: %s %s", apperrors.ErrConnectivity, op, r.Status(), body)
		}
		res = r
		return nil
	})
	if err != nil {
		if apperrors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrConnectivity, op, err)
		}
		return nil, err
	}
	return res, nil
}

// unreachable reports whether a whole-request status says nothing about
// the request itself. Credentials rejected mid-run are treated like an
// outage so writes stall instead of dead-lettering.
func unreachable(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden
}

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemBody `json:"items"`
}

type bulkItemBody struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *errorBody `json:"error"`
}

type errorBody struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c *Client) Bulk(ctx context.Context, ops []search.Operation) ([]search.ItemResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		if err := enc.Encode(bulkAction{Index: bulkTarget{Index: op.Index, ID: op.ID}}); err != nil {
			return nil, fmt.Errorf("encoding bulk action for %s: %w", op.ID, err)
		}
		if err := json.Compact(&buf, op.Body); err != nil {
			return nil, apperrors.Newf(apperrors.ErrPermanent, "document %s is not valid JSON: %v", op.ID, err)
		}
		buf.WriteByte('\n')
	}

	res, err := c.do("bulk", func() (*esapi.Response, error) {
		return c.es.Bulk(bytes.NewReader(buf.Bytes()), c.es.Bulk.WithContext(ctx))
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.Newf(apperrors.ErrRetryable, "bulk rejected: %s", readBody(res))
	}
	if res.IsError() {
		// 400, 413 and the like reject the request body itself
		return nil, apperrors.Newf(apperrors.ErrPermanent, "bulk failed: %s %s", res.Status(), readBody(res))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	if len(parsed.Items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d operations", len(parsed.Items), len(ops))
	}

	results := make([]search.ItemResult, len(ops))
	for i, item := range parsed.Items {
		// each item is keyed by its op type; there is exactly one key
		for _, body := range item {
			results[i] = search.ItemResult{Status: body.Status}
			if body.Error != nil {
				results[i].ErrorType = body.Error.Type
				results[i].Reason = body.Error.Reason
			}
		}
	}
	return results, nil
}

type catIndex struct {
	Index        string  `json:"i"`
	CreationDate string  `json:"cd"`
	DocsCount    *string `json:"dc"`
}

func (c *Client) ListIndices(ctx context.Context, patterns []string) ([]search.IndexRecord, error) {
	res, err := c.do("cat indices", func() (*esapi.Response, error) {
		return c.es.Cat.Indices(
			c.es.Cat.Indices.WithContext(ctx),
			c.es.Cat.Indices.WithIndex(patterns...),
			c.es.Cat.Indices.WithH("i", "cd", "dc"),
			c.es.Cat.Indices.WithFormat("json"),
		)
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("listing indices: %s %s", res.Status(), readBody(res))
	}

	var rows []catIndex
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding cat indices response: %w", err)
	}
	records := make([]search.IndexRecord, 0, len(rows))
	for _, row := range rows {
		rec := search.IndexRecord{Name: row.Index, DocCount: -1}
		// creation date comes back as epoch milliseconds in a string
		if ms, err := strconv.ParseInt(row.CreationDate, 10, 64); err == nil {
			rec.CreatedAt = time.UnixMilli(ms).UTC()
		} else {
			c.logger.Warn("index has unparseable creation date", "index", row.Index, "cd", row.CreationDate)
		}
		if row.DocsCount != nil {
			if n, err := strconv.ParseInt(*row.DocsCount, 10, 64); err == nil {
				rec.DocCount = n
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) CreateIndex(ctx context.Context, name string) error {
	res, err := c.do("create index", func() (*esapi.Response, error) {
		return c.es.Indices.Create(name, c.es.Indices.Create.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !res.IsError() {
		c.logger.Info("index created", "index", name)
		return nil
	}
	e := decodeError(res)
	if e.Type == "resource_already_exists_exception" {
		return nil
	}
	return fmt.Errorf("creating index %s: %s %s: %s", name, res.Status(), e.Type, e.Reason)
}

func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	res, err := c.do("delete index", func() (*esapi.Response, error) {
		return c.es.Indices.Delete([]string{name}, c.es.Indices.Delete.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return apperrors.Newf(apperrors.ErrIndexNotFound, "%s", name)
	}
	if res.IsError() {
		e := decodeError(res)
		return apperrors.Newf(apperrors.ErrDeletion, "%s: %s %s: %s", name, res.Status(), e.Type, e.Reason)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.do("ping", func() (*esapi.Response, error) {
		return c.es.Ping(c.es.Ping.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: ping: %s", apperrors.ErrConnectivity, res.Status())
	}
	return nil
}

type snapshotStatus struct {
	Snapshots []struct {
		Snapshot string `json:"snapshot"`
		State    string `json:"state"`
	} `json:"snapshots"`
}

// SnapshotInProgress reports whether any snapshot is currently running in
// the cluster.
func (c *Client) SnapshotInProgress(ctx context.Context) (bool, error) {
	res, err := c.do("snapshot status", func() (*esapi.Response, error) {
		return c.es.Snapshot.Status(c.es.Snapshot.Status.WithContext(ctx))
	})
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, fmt.Errorf("snapshot status: %s %s", res.Status(), readBody(res))
	}
	var status snapshotStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decoding snapshot status: %w", err)
	}
	return len(status.Snapshots) > 0, nil
}

// CreateSnapshot starts a snapshot of a single index without waiting for it
// to finish.
func (c *Client) CreateSnapshot(ctx context.Context, repository, snapshot, index string) error {
	body, err := json.Marshal(map[string]any{
		"indices":              index,
		"ignore_unavailable":   true,
		"include_global_state": false,
		"metadata": map[string]string{
			"taken_by":      "indexsync",
			"taken_because": "retention sweep",
		},
	})
	if err != nil {
		return err
	}
	res, err := c.do("create snapshot", func() (*esapi.Response, error) {
		return c.es.Snapshot.Create(repository, snapshot,
			c.es.Snapshot.Create.WithContext(ctx),
			c.es.Snapshot.Create.WithBody(bytes.NewReader(body)),
		)
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		e := decodeError(res)
		return fmt.Errorf("creating snapshot %s/%s: %s %s: %s", repository, snapshot, res.Status(), e.Type, e.Reason)
	}
	c.logger.Info("snapshot started", "repository", repository, "snapshot", snapshot)
	return nil
}

// SnapshotSucceeded reports whether snapshot has reached state SUCCESS.
func (c *Client) SnapshotSucceeded(ctx context.Context, repository, snapshot string) (bool, error) {
	res, err := c.do("snapshot status", func() (*esapi.Response, error) {
		return c.es.Snapshot.Status(
			c.es.Snapshot.Status.WithContext(ctx),
			c.es.Snapshot.Status.WithRepository(repository),
			c.es.Snapshot.Status.WithSnapshot(snapshot),
		)
	})
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, fmt.Errorf("snapshot status %s/%s: %s %s", repository, snapshot, res.Status(), readBody(res))
	}
	var status snapshotStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decoding snapshot status: %w", err)
	}
	for _, s := range status.Snapshots {
		if s.Snapshot == snapshot && s.State == "SUCCESS" {
			return true, nil
		}
	}
	return false, nil
}

func decodeError(res *esapi.Response) errorBody {
	var wrapper struct {
		Error errorBody `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Error.Type == "" {
		return errorBody{Reason: string(data)}
	}
	return wrapper.Error
}

func readBody(res *esapi.Response) string {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	res.Body.Close()
	return string(data)
}
