package localapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// EventSource serves the sync event feed
type EventSource interface {
	Since(ctx context.Context, since int64, limit int) ([]*types.SyncEvent, error)
}

// ServerConfig configures the local API server
type ServerConfig struct {
	Host         string // Empty listens on all interfaces
	Port         int
	Secret       string
	RegisterID   string
	RegisterName string
}

// Server is the local API HTTP server
type Server struct {
	config  ServerConfig
	store   storage.Storage
	events  EventSource
	metrics *obs.Metrics
	logger  *slog.Logger
	engine  *gin.Engine

	running atomic.Bool
	mu      sync.Mutex
	httpSrv *http.Server
	ln      net.Listener
}

// NewServer builds the router. Call Start to listen.
func NewServer(config ServerConfig, store storage.Storage, events EventSource, metrics *obs.Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	s := &Server{
		config:  config,
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  obs.OrDiscard(logger),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		gin.CustomRecovery(s.recover),
		s.availability(),
		s.prometheusMiddleware(),
		s.authenticate(),
	)

	r.GET(PathHealth, s.health)

	api := r.Group("/api")
	api.GET("/orders", s.listOrders)
	api.GET("/orders/unsynced", s.unsyncedOrders)
	api.GET("/orders/:id", s.getOrder)
	api.GET("/products", s.listProducts)
	api.GET("/products/:id", s.getProduct)
	api.GET("/tax-profiles", s.taxProfiles)
	api.GET("/returns", s.listReturns)
	api.GET("/returns/order/:orderId", s.returnsForOrder)
	api.GET("/sync/events", s.syncEvents)

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	})
	return r
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpSrv != nil {
		return errors.New("local API server already started")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running.Store(true)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("local_api_serve_failed", "error", err)
		}
	}()
	s.logger.Info("local_api_started", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port, useful when configured with port 0
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.config.Port
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Running reports whether the server accepts requests
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop rejects new requests with 503 and drains in-flight ones
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown local API: %w", err)
	}
	s.logger.Info("local_api_stopped")
	return nil
}

// Middleware

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.Error("local_api_panic", "path", c.Request.URL.Path, "panic", fmt.Sprint(recovered))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) availability() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.running.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "server not running"})
			return
		}
		c.Next()
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	secret := []byte(s.config.Secret)
	return func(c *gin.Context) {
		if len(secret) == 0 || c.Request.URL.Path == PathHealth {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(HeaderSharedSecret))
		if subtle.ConstantTimeCompare(got, secret) != 1 {
			s.logger.Warn("local_api_unauthorized", "path", c.Request.URL.Path, "register_id", c.GetHeader(HeaderRegisterID))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = "undefined"
		}

		s.metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
	}
}

// Handlers

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("local_api_handler_failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		OK:           true,
		RegisterID:   s.config.RegisterID,
		RegisterName: s.config.RegisterName,
		Timestamp:    types.UnixMilli(time.Now()),
	})
}

func (s *Server) listOrders(c *gin.Context) {
	status := types.OrderStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown status " + string(status)})
		return
	}
	orders, err := s.store.ListOrders(c.Request.Context(), storage.OrderFilter{Status: status})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, ordersResponse{Orders: orders})
}

func (s *Server) unsyncedOrders(c *gin.Context) {
	orders, err := s.store.ListUnsyncedOrders(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, ordersResponse{Orders: orders})
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.store.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "order not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	items := order.Items
	if items == nil {
		items = []types.OrderItem{}
	}
	order.Items = nil
	c.JSON(http.StatusOK, orderResponse{Order: order, Items: items})
}

func (s *Server) listProducts(c *gin.Context) {
	products, err := s.store.ListProducts(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, productsResponse{Products: products})
}

func (s *Server) getProduct(c *gin.Context) {
	product, err := s.store.GetProduct(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "product not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, productResponse{Product: product})
}

func (s *Server) taxProfiles(c *gin.Context) {
	profiles, err := s.store.ListTaxProfiles(c.Request.Context(), true)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, taxProfilesResponse{TaxProfiles: profiles})
}

func (s *Server) listReturns(c *gin.Context) {
	returns, err := s.store.ListReturns(c.Request.Context(), c.Query("status"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, returnsResponse{Returns: returns})
}

func (s *Server) returnsForOrder(c *gin.Context) {
	returns, err := s.store.ListReturnsByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, returnsResponse{Returns: returns})
}

func (s *Server) syncEvents(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "since must be epoch milliseconds"})
			return
		}
		since = v
	}

	limit := DefaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = v
	}

	events, err := s.events.Since(c.Request.Context(), since, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: events})
}
