package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/retry"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// Defaults
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultSendTimeout = 30 * time.Second
)

// ErrMalformedRequest marks a queued request that can never be sent
var ErrMalformedRequest = errors.New("malformed queued request")

// Doer sends HTTP requests; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes backoff
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ProcessResult summarizes one pass
type ProcessResult struct {
	Sent     int  `json:"sent"`
	Dropped  int  `json:"dropped"`
	Deferred int  `json:"deferred"`
	Skipped  bool `json:"skipped,omitempty"` // Another pass was already running
}

// Queue drains queued requests
type Queue struct {
	store   storage.Storage
	client  Doer
	backoff retry.Config
	metrics *obs.Metrics
	logger  *slog.Logger
	now     func() time.Time

	running retry.Lock
	wg      sync.WaitGroup
}

// NewQueue creates an outbox queue. client and metrics may be nil.
func NewQueue(store storage.Storage, client Doer, config Config, metrics *obs.Metrics, logger *slog.Logger) *Queue {
	if client == nil {
		client = &http.Client{Timeout: DefaultSendTimeout}
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	return &Queue{
		store:  store,
		client: client,
		backoff: retry.Config{
			BaseDelay:  config.BaseDelay,
			MaxDelay:   config.MaxDelay,
			Multiplier: retry.DefaultMultiplier,
		},
		metrics: metrics,
		logger:  obs.OrDiscard(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists req, assigning an id and idempotency key when absent, and
// triggers a pass in the background.
func (q *Queue) Enqueue(ctx context.Context, req *types.QueuedRequest) (*types.QueuedRequest, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	req.Method = strings.ToUpper(req.Method)
	if err := validate(req.Method, req.URL); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now()
	}

	if err := q.store.EnqueueRequest(ctx, req); err != nil {
		return nil, err
	}
	q.logger.Debug("outbox_enqueued", "id", req.ID, "url", req.URL)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Process(context.Background()); err != nil {
			q.logger.Warn("outbox_process_failed", "error", err)
		}
	}()
	return req, nil
}

// Process runs one pass. A call while another pass is running is a no-op.
func (q *Queue) Process(ctx context.Context) (*ProcessResult, error) {
	if !q.running.TryAcquire() {
		return &ProcessResult{Skipped: true}, nil
	}
	defer q.running.Release()

	items, err := q.store.ListQueuedRequests(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	result := &ProcessResult{}
	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !item.Due(q.now()) {
			break
		}

		status, sendErr := q.send(ctx, item)
		switch {
		case sendErr == nil && status >= 200 && status < 300:
			if err := q.store.DeleteQueuedRequest(ctx, item.ID); err != nil {
				return result, err
			}
			result.Sent++
			q.metrics.OutboxSent.Inc()
			q.logger.Info("outbox_item_sent", "id", item.ID, "status", status)
			continue

		case sendErr == nil && status >= 400 && status < 500:
			if err := q.drop(ctx, item, "status", status); err != nil {
				return result, err
			}
			result.Dropped++
			continue

		case errors.Is(sendErr, ErrMalformedRequest):
			if err := q.drop(ctx, item, "error", sendErr); err != nil {
				return result, err
			}
			result.Dropped++
			continue
		}

		if sendErr == nil {
			sendErr = fmt.Errorf("unexpected status %d", status)
		}
		if err := q.reschedule(ctx, item, sendErr); err != nil {
			return result, err
		}
		result.Deferred++
		break
	}
	return result, nil
}

// drop removes an item that will never succeed
func (q *Queue) drop(ctx context.Context, item *types.QueuedRequest, reason string, detail any) error {
	if err := q.store.DeleteQueuedRequest(ctx, item.ID); err != nil {
		return err
	}
	q.metrics.OutboxDropped.Inc()
	q.logger.Warn("outbox_item_dropped", "id", item.ID, "url", item.URL, reason, detail)
	return nil
}

// reschedule records a retryable failure and schedules the next attempt
func (q *Queue) reschedule(ctx context.Context, item *types.QueuedRequest, cause error) error {
	now := q.now()
	item.Attempts++
	next := now.Add(q.backoff.Delay(item.Attempts))
	item.LastAttemptAt = &now
	item.NextRetryAt = &next
	item.LastError = cause.Error()

	if err := q.store.UpdateQueuedRequest(ctx, item); err != nil {
		return fmt.Errorf("reschedule outbox item %s: %w", item.ID, err)
	}
	q.metrics.OutboxDeferred.Inc()
	q.logger.Warn("outbox_item_deferred", "id", item.ID, "attempts", item.Attempts,
		"next_retry_at", next.Format(time.RFC3339), "error", cause)
	return nil
}

func (q *Queue) send(ctx context.Context, item *types.QueuedRequest) (int, error) {
	var body io.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}
	if err := validate(item.Method, item.URL); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	if item.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", item.IdempotencyKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

// validate requires an absolute http(s) URL and a method net/http accepts
func validate(method, rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: URL is required", ErrMalformedRequest)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q is not an absolute http URL", ErrMalformedRequest, rawURL)
	}
	if _, err := http.NewRequest(method, rawURL, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// Len returns the number of queued requests
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountQueuedRequests(ctx)
}

// List returns queued requests in delivery order
func (q *Queue) List(ctx context.Context, limit int) ([]*types.QueuedRequest, error) {
	return q.store.ListQueuedRequests(ctx, limit)
}

// Wait blocks until passes triggered by Enqueue have finished
func (q *Queue) Wait() {
	q.wg.Wait()
}
