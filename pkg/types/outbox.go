package types

import (
	"encoding/json"
	"time"
)

// QueuedRequest is an HTTP side effect persisted in the outbox until confirmed
type QueuedRequest struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Attempts       int               `json:"attempts"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
	NextRetryAt    *time.Time        `json:"nextRetryAt,omitempty"`
}

// Due reports whether the request may be attempted at now
func (r *QueuedRequest) Due(now time.Time) bool {
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}
