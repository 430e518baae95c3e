package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/possync/internal/basket"
	"github.com/dshills/possync/internal/checkout"
	"github.com/dshills/possync/internal/config"
	"github.com/dshills/possync/internal/discovery"
	"github.com/dshills/possync/internal/events"
	"github.com/dshills/possync/internal/localapi"
	"github.com/dshills/possync/internal/mcp"
	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/ordersync"
	"github.com/dshills/possync/internal/outbox"
	"github.com/dshills/possync/internal/platform"
	"github.com/dshills/possync/internal/scheduler"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/internal/syncpoll"
	"github.com/dshills/possync/pkg/types"
)

// Options inject collaborators that have no configuration of their own
type Options struct {
	Gateway    checkout.PaymentGateway // Optional card terminal
	HTTPClient *http.Client            // Optional client for platform and outbox traffic
	LogOutput  io.Writer               // Defaults to stderr
	Platforms  *platform.Registry      // Defaults to platform.DefaultRegistry()
}

// Container holds every long-lived component of a register
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *obs.Metrics

	Store     *storage.SQLiteStorage
	Events    *events.Bus
	Baskets   *basket.Engine
	Checkout  *checkout.Engine
	Platform  platform.OrderService
	Sync      *ordersync.Engine
	Outbox    *outbox.Queue
	Scheduler *scheduler.Scheduler
	Scanner   *discovery.Scanner
	LocalAPI  *localapi.Server // Server mode only

	RegisterID string

	mu      sync.Mutex
	peer    *localapi.Client
	mirror  *syncpoll.Mirror
	poller  *syncpoll.Poller
	started bool
}

// New builds the container. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := obs.NewLogger(out, cfg.LogLevel)
	metrics := obs.NewMetrics()

	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	c := &Container{Config: cfg, Logger: logger, Metrics: metrics, Store: store}
	if err := c.build(ctx, opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, opts Options) error {
	cfg := c.Config

	registerID, err := c.resolveRegisterID(ctx)
	if err != nil {
		return err
	}
	c.RegisterID = registerID
	c.Logger = c.Logger.With("register_id", registerID)

	discounts, err := basket.ParseDiscountCodes(cfg.DiscountCodes)
	if err != nil {
		return fmt.Errorf("discount codes: %w", err)
	}

	registry := opts.Platforms
	if registry == nil {
		registry = platform.DefaultRegistry()
	}
	c.Platform, err = registry.New(platform.Config{
		Name:       cfg.Platform,
		BaseURL:    cfg.PlatformBaseURL,
		APIKey:     cfg.PlatformAPIKey,
		Timeout:    cfg.PlatformTimeout,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("platform adapter: %w", err)
	}

	c.Events = events.NewBus(c.Store, registerID, cfg.RegisterName, c.Logger)
	c.Baskets = basket.NewEngine(c.Store, cfg.DefaultTaxRate, discounts, c.Logger)
	c.Checkout = checkout.NewEngine(c.Store, c.Baskets, c.Events, opts.Gateway,
		checkout.Config{CashDrawerEnabled: cfg.CashDrawerEnabled}, c.Logger)
	c.Sync = ordersync.NewEngine(c.Store, c.Platform, c.Events, c.Metrics,
		ordersync.Config{MaxRetries: cfg.SyncMaxRetries, DefaultTaxRate: cfg.DefaultTaxRate}, c.Logger)

	var doer outbox.Doer
	if opts.HTTPClient != nil {
		doer = opts.HTTPClient
	}
	c.Outbox = outbox.NewQueue(c.Store, doer,
		outbox.Config{BaseDelay: cfg.OutboxBaseDelay, MaxDelay: cfg.OutboxMaxDelay}, c.Metrics, c.Logger)

	c.Scanner = discovery.NewScanner(discovery.Config{
		NetworkAddress: cfg.NetworkAddress,
		Port:           cfg.ServerPort,
		Timeout:        cfg.DiscoveryTimeout,
		BatchSize:      cfg.DiscoveryBatch,
		RegisterID:     registerID,
		Secret:         cfg.LocalAPISecret,
	}, c.Store, c.Logger)

	c.Scheduler = scheduler.New(c.Logger)
	if err := c.Scheduler.Add(scheduler.JobOrderSync, cfg.SyncInterval, scheduler.OrderSyncJob(c.Sync, c.Logger)); err != nil {
		return err
	}
	if err := c.Scheduler.Add(scheduler.JobOutbox, cfg.OutboxInterval, scheduler.OutboxJob(c.Outbox, c.Logger)); err != nil {
		return err
	}
	if cfg.EventRetention > 0 {
		if err := c.Scheduler.Add(scheduler.JobEventPrune, pruneInterval(cfg.EventRetention), scheduler.EventPruneJob(c.Events, cfg.EventRetention)); err != nil {
			return err
		}
	}

	if cfg.Mode == config.ModeServer {
		c.LocalAPI = localapi.NewServer(localapi.ServerConfig{
			Port:         cfg.LocalAPIPort,
			Secret:       cfg.LocalAPISecret,
			RegisterID:   registerID,
			RegisterName: cfg.RegisterName,
		}, c.Store, c.Events, c.Metrics, c.Logger)
	}
	return nil
}

// resolveRegisterID prefers configuration, then the id persisted by an
// earlier run, and otherwise mints and persists a new one
func (c *Container) resolveRegisterID(ctx context.Context) (string, error) {
	if c.Config.RegisterID != "" {
		return c.Config.RegisterID, nil
	}
	id, err := c.Store.GetSetting(ctx, storage.SettingRegisterID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load register id: %w", err)
	}
	id = uuid.NewString()
	if err := c.Store.SetSetting(ctx, storage.SettingRegisterID, id); err != nil {
		return "", fmt.Errorf("persist register id: %w", err)
	}
	return id, nil
}

// pruneInterval runs the prune job a few times per retention window, at most hourly
func pruneInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// Start launches the background parts for the configured mode
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("register already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.LocalAPI != nil {
		if err := c.LocalAPI.Start(); err != nil {
			return err
		}
	}
	if c.Config.Mode == config.ModeClient {
		if err := c.ConnectPeer(ctx); err != nil {
			// The register still sells offline; an operator can select a server later
			c.Logger.Warn("peer_not_connected", "error", err)
		}
	}
	c.Scheduler.Start()

	c.Logger.Info("register_started", "mode", c.Config.Mode, "platform", c.Platform.Name())
	return nil
}

// Stop shuts everything down: scheduler, poller, HTTP server, storage
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	poller := c.poller
	c.started = false
	c.mu.Unlock()

	c.Scheduler.Stop()
	if poller != nil {
		poller.Stop()
	}

	var errs []error
	if c.LocalAPI != nil {
		if err := c.LocalAPI.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.Outbox.Wait()
	if err := c.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	c.Logger.Info("register_stopped")
	return errors.Join(errs...)
}

// ErrNoServerSelected is returned by ConnectPeer before a server is known
var ErrNoServerSelected = errors.New("no server register selected")

// ConnectPeer (re)starts the sync poller against the configured or persisted
// server register. Configuration wins over the persisted selection.
func (c *Container) ConnectPeer(ctx context.Context) error {
	address, port := c.Config.ServerAddress, c.Config.ServerPort
	if address == "" {
		var err error
		address, port, err = c.Scanner.SelectedServer(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoServerSelected
		}
		if err != nil {
			return err
		}
	}

	peer, err := localapi.NewClient(localapi.ClientConfig{
		Address:    address,
		Port:       port,
		RegisterID: c.RegisterID,
		Secret:     c.Config.LocalAPISecret,
	})
	if err != nil {
		return err
	}
	mirror := syncpoll.NewMirror(c.Store, peer, c.Logger)
	poller := syncpoll.NewPoller(peer, mirror, c.Store, syncpoll.Config{
		Interval:   c.Config.PollInterval,
		MaxBackoff: c.Config.PollMaxBackoff,
		PageSize:   localapi.DefaultEventLimit,
	}, c.Metrics, c.Logger)

	c.mu.Lock()
	previous := c.poller
	c.peer, c.mirror, c.poller = peer, mirror, poller
	c.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	if err := poller.Start(ctx); err != nil {
		return err
	}
	c.Logger.Info("peer_connected", "address", address, "port", port)
	return nil
}

// Peer returns the client for the server register, if connected
func (c *Container) Peer() *localapi.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Mirror returns the last-writer-wins view of server events, if connected
func (c *Container) Mirror() *syncpoll.Mirror {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// Poller returns the sync poller, if connected
func (c *Container) Poller() *syncpoll.Poller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller
}

// Status implements mcp.PollStatus, reporting idle when no poller runs
func (c *Container) Status() syncpoll.Status {
	if p := c.Poller(); p != nil {
		return p.Status()
	}
	return syncpoll.Status{State: syncpoll.StateIdle}
}

// ScanSubnet implements mcp.Scanner
func (c *Container) ScanSubnet(ctx context.Context, opts discovery.Options) ([]types.DiscoveredServer, error) {
	return c.Scanner.ScanSubnet(ctx, opts)
}

// SelectServer implements mcp.Scanner. A client register starts polling the
// new server straight away.
func (c *Container) SelectServer(ctx context.Context, server types.DiscoveredServer) (*localapi.HealthResponse, error) {
	health, err := c.Scanner.SelectServer(ctx, server)
	if err != nil {
		return nil, err
	}
	if c.Config.Mode == config.ModeClient && c.Config.ServerAddress == "" {
		if err := c.ConnectPeer(ctx); err != nil {
			return health, fmt.Errorf("connect to selected server: %w", err)
		}
	}
	return health, nil
}

// MCPServer builds the operator tool server over this container
func (c *Container) MCPServer() (*mcp.Server, error) {
	return mcp.NewServer(mcp.Deps{
		RegisterID:   c.RegisterID,
		RegisterName: c.Config.RegisterName,
		Mode:         string(c.Config.Mode),
		Store:        c.Store,
		Sync:         c.Sync,
		Outbox:       c.Outbox,
		Scanner:      c,
		Poller:       c,
		Logger:       c.Logger,
	})
}
