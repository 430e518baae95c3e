package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/possync/internal/discovery"
	"github.com/dshills/possync/internal/localapi"
	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/ordersync"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/internal/syncpoll"
	"github.com/dshills/possync/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "possync-register"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// SyncEngine is the order sync surface the tools drive
type SyncEngine interface {
	SyncAllPendingOrders(ctx context.Context) (*ordersync.Summary, error)
	RetryFailedOrder(ctx context.Context, orderID string) (*ordersync.Result, error)
	Running() bool
	Retries() map[string]int
}

// Outbox is the read side of the outbox queue
type Outbox interface {
	Len(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]*types.QueuedRequest, error)
}

// Scanner finds and selects server registers
type Scanner interface {
	ScanSubnet(ctx context.Context, opts discovery.Options) ([]types.DiscoveredServer, error)
	SelectServer(ctx context.Context, server types.DiscoveredServer) (*localapi.HealthResponse, error)
}

// PollStatus reports the sync poller state
type PollStatus interface {
	Status() syncpoll.Status
}

// Deps wires the tools to the running register. Scanner and Poller may be nil.
type Deps struct {
	RegisterID   string
	RegisterName string
	Mode         string

	Store   storage.Storage
	Sync    SyncEngine
	Outbox  Outbox
	Scanner Scanner
	Poller  PollStatus
	Logger  *slog.Logger
}

// Server wraps the MCP server with register dependencies
type Server struct {
	mcp    *server.MCPServer
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the operator tool server
func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Sync == nil || deps.Outbox == nil {
		return nil, errors.New("store, sync engine and outbox are required")
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		deps:   deps,
		logger: obs.OrDiscard(deps.Logger),
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP protocol on stdio until the client disconnects or ctx ends
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ServeStdio(s.mcp) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(syncStatusTool(), s.handleSyncStatus)
	s.mcp.AddTool(syncPendingOrdersTool(), s.handleSyncPendingOrders)
	s.mcp.AddTool(listOrdersTool(), s.handleListOrders)
	s.mcp.AddTool(outboxStatusTool(), s.handleOutboxStatus)
	s.mcp.AddTool(scanNetworkTool(), s.handleScanNetwork)
	s.mcp.AddTool(selectServerTool(), s.handleSelectServer)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
