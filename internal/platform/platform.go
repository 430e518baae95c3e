package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

// Adapter names
const (
	AdapterREST  = "rest"
	AdapterLocal = "local"
)

// Errors
var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNotConfigured   = errors.New("platform not configured")
)

// LineItem is one order line in platform-agnostic form
type LineItem struct {
	ProductID  string            `json:"productId"`
	VariantID  string            `json:"variantId,omitempty"`
	Name       string            `json:"name"`
	Quantity   int               `json:"quantity"`
	Price      decimal.Decimal   `json:"price"`
	Taxable    bool              `json:"taxable"`
	TaxRate    decimal.Decimal   `json:"taxRate"`
	TaxAmount  decimal.Decimal   `json:"taxAmount"`
	LineTotal  decimal.Decimal   `json:"lineTotal"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Customer identifies the buyer, when known
type Customer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// OrderPayload is what every adapter receives
type OrderPayload struct {
	LocalOrderID   string          `json:"localOrderId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	LineItems      []LineItem      `json:"lineItems"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	Customer       *Customer       `json:"customer,omitempty"`
	Note           string          `json:"note,omitempty"`
	PaymentMethod  string          `json:"paymentMethod,omitempty"`
	TransactionID  string          `json:"transactionId,omitempty"`
	CashierID      string          `json:"cashierId,omitempty"`
	CashierName    string          `json:"cashierName,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// CreateOrderResult is the platform's acknowledgement
type CreateOrderResult struct {
	PlatformOrderID string `json:"platformOrderId"`
}

// OrderService is the PlatformOrderService capability
type OrderService interface {
	Name() string
	CreateOrder(ctx context.Context, payload OrderPayload) (*CreateOrderResult, error)
}

// ErrUnreadableAck is a 2xx response without a usable order id. The platform
// likely stored the order, so a resubmission with the same idempotency key
// recovers its id.
var ErrUnreadableAck = errors.New("unreadable platform acknowledgement")

// HTTPError is a non-2xx platform response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is a transient infrastructure failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, ErrUnreadableAck) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Config selects and configures an adapter
type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client // Optional: overrides the default client
}

// Constructor builds an adapter from configuration
type Constructor func(cfg Config) (OrderService, error)

// Registry maps adapter names to constructors
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-in adapters
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(AdapterREST, NewRESTService)
	r.Register(AdapterLocal, func(Config) (OrderService, error) { return NewLocalService(), nil })
	return r
}

// Register adds or replaces a constructor
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(name)] = c
}

// Names lists registered adapters, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter named by cfg.Name
func (r *Registry) New(cfg Config) (OrderService, error) {
	r.mu.RLock()
	c, ok := r.constructors[strings.ToLower(cfg.Name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Name)
	}
	return c(cfg)
}
