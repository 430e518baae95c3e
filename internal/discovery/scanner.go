package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/possync/internal/localapi"
	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/retry"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// Defaults
const (
	DefaultProbeTimeout = 1500 * time.Millisecond
	DefaultBatchSize    = 32
)

// ErrNoSubnet is returned when no subnet is given and none can be derived
var ErrNoSubnet = errors.New("no subnet to scan")

// ProgressFunc receives (checked, total) after each probe
type ProgressFunc func(checked, total int)

// Config holds scanner defaults
type Config struct {
	NetworkAddress string // Any address in the subnet to scan; empty derives it from interfaces
	Port           int
	Timeout        time.Duration
	BatchSize      int
	RegisterID     string // This register, excluded from results
	Secret         string
}

// Options override Config for one scan
type Options struct {
	Subnet    string   // "192.168.1", "192.168.1.0/24" or any host address in it
	Hosts     []string // Explicit hosts; takes precedence over Subnet
	Port      int
	Timeout   time.Duration
	BatchSize int
	Progress  ProgressFunc
}

// Scanner probes subnets and records the chosen server
type Scanner struct {
	config Config
	store  storage.Storage
	logger *slog.Logger
}

// NewScanner creates a scanner
func NewScanner(config Config, store storage.Storage, logger *slog.Logger) *Scanner {
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Scanner{config: config, store: store, logger: obs.OrDiscard(logger)}
}

// ScanSubnet probes every host and returns the registers that answered with a
// successful health payload, sorted by address. Cancelling ctx stops the scan
// between batches; servers found so far are returned with ctx's error.
func (s *Scanner) ScanSubnet(ctx context.Context, opts Options) ([]types.DiscoveredServer, error) {
	hosts := opts.Hosts
	if len(hosts) == 0 {
		subnet := opts.Subnet
		if subnet == "" {
			subnet = s.config.NetworkAddress
		}
		prefix, err := subnetPrefix(subnet)
		if err != nil {
			return nil, err
		}
		hosts = expandSubnet(prefix)
	}

	port := firstPositive(opts.Port, s.config.Port)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	batchSize := firstPositive(opts.BatchSize, s.config.BatchSize)

	total := len(hosts)
	var checked atomic.Int64
	var progressMu sync.Mutex
	report := func() {
		n := int(checked.Add(1))
		if opts.Progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		opts.Progress(n, total)
	}

	var mu sync.Mutex
	found := make([]types.DiscoveredServer, 0)

	s.logger.Info("discovery_scan_started", "hosts", total, "port", port, "batch_size", batchSize)
	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			sortServers(found)
			return found, err
		}

		end := start + batchSize
		if end > total {
			end = total
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, host := range hosts[start:end] {
			host := host
			g.Go(func() error {
				defer report()
				server, ok := s.probe(gctx, host, port, timeout)
				if ok {
					mu.Lock()
					found = append(found, *server)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	sortServers(found)
	s.logger.Info("discovery_scan_finished", "hosts", total, "found", len(found))
	return found, nil
}

// probe checks one host; any failure means "no register here"
func (s *Scanner) probe(ctx context.Context, host string, port int, timeout time.Duration) (*types.DiscoveredServer, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := localapi.NewClient(localapi.ClientConfig{
		Address:          host,
		Port:             port,
		RegisterID:       s.config.RegisterID,
		Timeout:          timeout,
		ProductCacheSize: 1,
	})
	if err != nil {
		return nil, false
	}
	health, err := client.Health(ctx)
	if err != nil || !health.OK || health.RegisterID == "" {
		return nil, false
	}
	if s.config.RegisterID != "" && health.RegisterID == s.config.RegisterID {
		return nil, false
	}

	return &types.DiscoveredServer{
		Address:      host,
		Port:         port,
		RegisterID:   health.RegisterID,
		RegisterName: health.RegisterName,
		RespondedAt:  time.Now().UTC(),
	}, true
}

// SelectServer persists the server as the active peer and verifies it answers
func (s *Scanner) SelectServer(ctx context.Context, server types.DiscoveredServer) (*localapi.HealthResponse, error) {
	if server.Address == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if server.Port <= 0 {
		return nil, fmt.Errorf("invalid server port %d", server.Port)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if err := tx.SetSetting(ctx, storage.SettingServerAddress, server.Address); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.SetSetting(ctx, storage.SettingServerPort, strconv.Itoa(server.Port)); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit server selection: %w", err)
	}
	s.logger.Info("server_selected", "address", server.Address, "port", server.Port, "register_id", server.RegisterID)

	client, err := localapi.NewClient(localapi.ClientConfig{
		Address:    server.Address,
		Port:       server.Port,
		RegisterID: s.config.RegisterID,
		Secret:     s.config.Secret,
		Timeout:    s.config.Timeout,
	})
	if err != nil {
		return nil, err
	}

	verify := retry.Config{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	health, err := retry.Do(ctx, verify, nil, func() (*localapi.HealthResponse, error) {
		return client.Health(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("verify server %s:%d: %w", server.Address, server.Port, err)
	}
	return health, nil
}

// SelectedServer returns the persisted server address and port
func (s *Scanner) SelectedServer(ctx context.Context) (string, int, error) {
	address, err := s.store.GetSetting(ctx, storage.SettingServerAddress)
	if err != nil {
		return "", 0, err
	}
	rawPort, err := s.store.GetSetting(ctx, storage.SettingServerPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, fmt.Errorf("invalid stored server port %q: %w", rawPort, err)
	}
	return address, port, nil
}

// subnetPrefix returns the first three octets of a /24. Empty input falls back
// to the first non-loopback IPv4 interface.
func subnetPrefix(subnet string) (string, error) {
	subnet = strings.TrimSpace(subnet)
	if subnet == "" {
		ip, err := localIPv4()
		if err != nil {
			return "", err
		}
		subnet = ip.String()
	}
	if i := strings.IndexByte(subnet, '/'); i >= 0 {
		subnet = subnet[:i]
	}

	parts := strings.Split(subnet, ".")
	if len(parts) == 3 {
		parts = append(parts, "0")
	}
	ip := net.ParseIP(strings.Join(parts, "."))
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid IPv4 subnet %q", subnet)
	}
	v4 := ip.To4()
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2]), nil
}

func expandSubnet(prefix string) []string {
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		hosts = append(hosts, prefix+"."+strconv.Itoa(i))
	}
	return hosts
}

func localIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLoopback() {
				return v4, nil
			}
		}
	}
	return nil, ErrNoSubnet
}

func sortServers(servers []types.DiscoveredServer) {
	sort.Slice(servers, func(i, j int) bool {
		a, b := net.ParseIP(servers[i].Address), net.ParseIP(servers[j].Address)
		if a != nil && b != nil {
			if c := compareIP(a.To16(), b.To16()); c != 0 {
				return c < 0
			}
			return servers[i].Port < servers[j].Port
		}
		return servers[i].Address < servers[j].Address
	})
}

func compareIP(a, b net.IP) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
