// Package config loads register configuration from the environment, with an
// optional .env file filling in anything the environment leaves unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dshills/possync/internal/basket"
	"github.com/dshills/possync/internal/platform"
	"github.com/dshills/possync/pkg/types"
)

// Mode selects the register's role on the LAN
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeServer     Mode = "server"
	ModeClient     Mode = "client"
)

// DefaultEnvFile is read by Load when present
const DefaultEnvFile = ".env"

// Config holds every runtime knob of a register
type Config struct {
	RegisterID   string
	RegisterName string
	Mode         Mode
	DBPath       string

	LocalAPIPort   int
	LocalAPISecret string
	ServerAddress  string
	ServerPort     int
	NetworkAddress string

	DefaultTaxRate    decimal.Decimal
	CashDrawerEnabled bool
	DiscountCodes     string

	Platform        string
	PlatformBaseURL string
	PlatformAPIKey  string
	PlatformTimeout time.Duration

	SyncMaxRetries  int
	SyncInterval    time.Duration
	OutboxInterval  time.Duration
	OutboxBaseDelay time.Duration
	OutboxMaxDelay  time.Duration
	EventRetention  time.Duration
	PollInterval    time.Duration
	PollMaxBackoff  time.Duration

	DiscoveryTimeout time.Duration
	DiscoveryBatch   int

	LogLevel string
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func boolenv(key string, def bool) (bool, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// durenv accepts Go durations ("30s", "5m") or a bare number of seconds
func durenv(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

// rateenv accepts a fraction ("0.08") or a percentage ("8%")
func rateenv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	pct := strings.HasSuffix(v, "%")
	d, err := decimal.NewFromString(strings.TrimSuffix(v, "%"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid rate %q", key, v)
	}
	if pct {
		d = types.Percent(d)
	}
	return d, nil
}

// Load reads envFile (DefaultEnvFile when empty; a missing file is fine) and
// then the environment. Values already in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds a validated Config from the process environment only
func FromEnv() (*Config, error) {
	cfg := &Config{
		RegisterID:      getenv("REGISTER_ID", ""),
		RegisterName:    getenv("REGISTER_NAME", "Register"),
		Mode:            Mode(strings.ToLower(getenv("REGISTER_MODE", string(ModeStandalone)))),
		DBPath:          getenv("DB_PATH", "possync.db"),
		LocalAPISecret:  getenv("LOCAL_API_SECRET", ""),
		ServerAddress:   getenv("SERVER_ADDRESS", ""),
		NetworkAddress:  getenv("NETWORK_ADDRESS", ""),
		DiscountCodes:   getenv("DISCOUNT_CODES", ""),
		Platform:        strings.ToLower(getenv("PLATFORM", platform.AdapterLocal)),
		PlatformBaseURL: getenv("PLATFORM_BASE_URL", ""),
		PlatformAPIKey:  getenv("PLATFORM_API_KEY", ""),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.LocalAPIPort, err = atoienv("LOCAL_API_PORT", 8787)
	collect(err)
	cfg.ServerPort, err = atoienv("SERVER_PORT", cfg.LocalAPIPort)
	collect(err)
	cfg.DefaultTaxRate, err = rateenv("DEFAULT_TAX_RATE", decimal.Zero)
	collect(err)
	cfg.CashDrawerEnabled, err = boolenv("CASH_DRAWER_ENABLED", true)
	collect(err)
	cfg.PlatformTimeout, err = durenv("PLATFORM_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.SyncMaxRetries, err = atoienv("SYNC_MAX_RETRIES", 3)
	collect(err)
	cfg.SyncInterval, err = durenv("SYNC_INTERVAL", time.Minute)
	collect(err)
	cfg.OutboxInterval, err = durenv("OUTBOX_INTERVAL", 30*time.Second)
	collect(err)
	cfg.OutboxBaseDelay, err = durenv("OUTBOX_BASE_DELAY", 5*time.Second)
	collect(err)
	cfg.OutboxMaxDelay, err = durenv("OUTBOX_MAX_DELAY", 5*time.Minute)
	collect(err)
	cfg.EventRetention, err = durenv("EVENT_RETENTION", 7*24*time.Hour)
	collect(err)
	cfg.PollInterval, err = durenv("POLL_INTERVAL", 5*time.Second)
	collect(err)
	cfg.PollMaxBackoff, err = durenv("POLL_MAX_BACKOFF", 2*time.Minute)
	collect(err)
	cfg.DiscoveryTimeout, err = durenv("DISCOVERY_TIMEOUT", 1500*time.Millisecond)
	collect(err)
	cfg.DiscoveryBatch, err = atoienv("DISCOVERY_BATCH", 32)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent configurations
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeStandalone, ModeServer, ModeClient:
	default:
		errs = append(errs, fmt.Errorf("REGISTER_MODE must be standalone, server or client, got %q", c.Mode))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if c.Mode == ModeServer && (c.LocalAPIPort <= 0 || c.LocalAPIPort > 65535) {
		errs = append(errs, fmt.Errorf("LOCAL_API_PORT out of range: %d", c.LocalAPIPort))
	}
	if c.Mode == ModeClient && c.ServerAddress != "" && (c.ServerPort <= 0 || c.ServerPort > 65535) {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.ServerPort))
	}
	if c.DefaultTaxRate.IsNegative() || c.DefaultTaxRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("DEFAULT_TAX_RATE must be between 0 and 1, got %s", c.DefaultTaxRate))
	}
	if _, err := basket.ParseDiscountCodes(c.DiscountCodes); err != nil {
		errs = append(errs, fmt.Errorf("DISCOUNT_CODES: %w", err))
	}

	known := false
	for _, name := range platform.DefaultRegistry().Names() {
		if name == c.Platform {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("PLATFORM %q is not supported", c.Platform))
	}
	if c.Platform == platform.AdapterREST && c.PlatformBaseURL == "" {
		errs = append(errs, errors.New("PLATFORM_BASE_URL is required for the rest platform"))
	}

	if c.SyncMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_RETRIES must be at least 1, got %d", c.SyncMaxRetries))
	}
	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":     c.SyncInterval,
		"OUTBOX_INTERVAL":   c.OutboxInterval,
		"OUTBOX_BASE_DELAY": c.OutboxBaseDelay,
		"POLL_INTERVAL":     c.PollInterval,
		"DISCOVERY_TIMEOUT": c.DiscoveryTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OutboxMaxDelay < c.OutboxBaseDelay {
		errs = append(errs, errors.New("OUTBOX_MAX_DELAY must not be below OUTBOX_BASE_DELAY"))
	}
	if c.PollMaxBackoff < c.PollInterval {
		errs = append(errs, errors.New("POLL_MAX_BACKOFF must not be below POLL_INTERVAL"))
	}
	if c.DiscoveryBatch < 1 {
		errs = append(errs, fmt.Errorf("DISCOVERY_BATCH must be at least 1, got %d", c.DiscoveryBatch))
	}

	return errors.Join(errs...)
}
