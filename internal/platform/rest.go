package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// REST adapter defaults
const (
	DefaultTimeout      = 30 * time.Second
	breakerTripFailures = 5
	breakerOpenTimeout  = 30 * time.Second
	maxErrorBody        = 4096
)

// RESTService posts orders to a generic JSON endpoint: POST {base}/orders.
// Calls go through a circuit breaker so a dead platform fails fast.
type RESTService struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*CreateOrderResult]
}

// NewRESTService creates the REST adapter
func NewRESTService(cfg Config) (OrderService, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required for %s", ErrNotConfigured, AdapterREST)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	breaker := gobreaker.NewCircuitBreaker[*CreateOrderResult](gobreaker.Settings{
		Name:    "platform-" + AdapterREST,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		// Rejections are the platform working correctly
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})

	return &RESTService{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: client,
		breaker:    breaker,
	}, nil
}

func (s *RESTService) Name() string {
	return AdapterREST
}

// State exposes the breaker state for operators
func (s *RESTService) State() string {
	return s.breaker.State().String()
}

// CreateOrder submits the payload. The idempotency key is forwarded so a
// retried submission does not create a second platform order.
func (s *RESTService) CreateOrder(ctx context.Context, payload OrderPayload) (*CreateOrderResult, error) {
	return s.breaker.Execute(func() (*CreateOrderResult, error) {
		return s.post(ctx, payload)
	})
}

func (s *RESTService) post(ctx context.Context, payload OrderPayload) (*CreateOrderResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var apiResp struct {
		ID      string `json:"id"`
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnreadableAck, err)
	}

	id := apiResp.ID
	if id == "" {
		id = apiResp.OrderID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: response missing order id", ErrUnreadableAck)
	}
	return &CreateOrderResult{PlatformOrderID: id}, nil
}
