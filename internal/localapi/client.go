package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/possync/pkg/types"
)

// Client defaults
const (
	DefaultClientTimeout    = 10 * time.Second
	DefaultProductCacheSize = 1024
)

// ErrNotFound is returned when the peer answers 404
var ErrNotFound = errors.New("not found on peer register")

// StatusError is a non-2xx peer response
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Message)
}

// ClientConfig configures a peer client
type ClientConfig struct {
	Address          string
	Port             int
	RegisterID       string // Sent as X-Register-Id
	Secret           string
	Timeout          time.Duration
	ProductCacheSize int
	HTTPClient       *http.Client // Optional: overrides the default client
}

// Client reads a server register's dataset
type Client struct {
	baseURL    string
	registerID string
	secret     string
	httpClient *http.Client
	products   *lru.Cache[string, *types.Product]
}

// NewClient creates a peer client for address:port
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("peer address and port are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	size := cfg.ProductCacheSize
	if size <= 0 {
		size = DefaultProductCacheSize
	}
	cache, err := lru.New[string, *types.Product](size)
	if err != nil {
		return nil, fmt.Errorf("create product cache: %w", err)
	}

	return &Client{
		baseURL:    "http://" + net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		registerID: cfg.RegisterID,
		secret:     cfg.Secret,
		httpClient: httpClient,
		products:   cache,
	}, nil
}

// BaseURL returns the peer's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.registerID != "" {
		req.Header.Set(HeaderRegisterID, c.registerID)
	}
	if c.secret != "" {
		req.Header.Set(HeaderSharedSecret, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer call %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		var body errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health checks the peer
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, PathHealth, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOrders lists peer orders; empty status lists all
func (c *Client) ListOrders(ctx context.Context, status types.OrderStatus) ([]*types.LocalOrder, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var resp ordersResponse
	if err := c.get(ctx, "/api/orders", q, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// UnsyncedOrders lists the peer's paid, unsynced orders
func (c *Client) UnsyncedOrders(ctx context.Context) ([]*types.LocalOrder, error) {
	var resp ordersResponse
	if err := c.get(ctx, "/api/orders/unsynced", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// GetOrder returns one order with its items
func (c *Client) GetOrder(ctx context.Context, id string) (*types.LocalOrder, error) {
	var resp orderResponse
	if err := c.get(ctx, "/api/orders/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	resp.Order.Items = resp.Items
	return resp.Order, nil
}

// ListProducts fetches the catalog and refreshes the product cache
func (c *Client) ListProducts(ctx context.Context) ([]*types.Product, error) {
	var resp productsResponse
	if err := c.get(ctx, "/api/products", nil, &resp); err != nil {
		return nil, err
	}
	for _, p := range resp.Products {
		c.products.Add(p.ID, p)
	}
	return resp.Products, nil
}

// GetProduct returns a product, from cache when present
func (c *Client) GetProduct(ctx context.Context, id string) (*types.Product, error) {
	if p, ok := c.products.Get(id); ok {
		return p, nil
	}

	var resp productResponse
	if err := c.get(ctx, "/api/products/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Product == nil {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	c.products.Add(id, resp.Product)
	return resp.Product, nil
}

// InvalidateProduct drops one cached product
func (c *Client) InvalidateProduct(id string) {
	c.products.Remove(id)
}

// PurgeProducts empties the product cache
func (c *Client) PurgeProducts() {
	c.products.Purge()
}

// CachedProducts returns the number of cached products
func (c *Client) CachedProducts() int {
	return c.products.Len()
}

// TaxProfiles lists the peer's active tax profiles
func (c *Client) TaxProfiles(ctx context.Context) ([]*types.TaxProfile, error) {
	var resp taxProfilesResponse
	if err := c.get(ctx, "/api/tax-profiles", nil, &resp); err != nil {
		return nil, err
	}
	return resp.TaxProfiles, nil
}

// Returns lists returns; empty status lists all
func (c *Client) Returns(ctx context.Context, status string) ([]*types.Return, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp returnsResponse
	if err := c.get(ctx, "/api/returns", q, &resp); err != nil {
		return nil, err
	}
	return resp.Returns, nil
}

// ReturnsForOrder lists returns recorded against one order
func (c *Client) ReturnsForOrder(ctx context.Context, orderID string) ([]*types.Return, error) {
	var resp returnsResponse
	if err := c.get(ctx, "/api/returns/order/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Returns, nil
}

// EventsSince returns events with timestamp strictly greater than since
func (c *Client) EventsSince(ctx context.Context, since int64) ([]*types.SyncEvent, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	var resp eventsResponse
	if err := c.get(ctx, PathEvents, q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}
