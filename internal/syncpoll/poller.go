package syncpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dshills/possync/internal/obs"
	"github.com/dshills/possync/internal/storage"
	"github.com/dshills/possync/pkg/types"
)

// State of the poll loop
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateBackoff   State = "backoff"
)

// Defaults
const (
	DefaultInterval   = 5 * time.Second
	DefaultMaxBackoff = 2 * time.Minute
	DefaultPageSize   = 500
)

// ErrAlreadyRunning is returned by Start on a running poller
var ErrAlreadyRunning = errors.New("poller already running")

// EventFetcher pulls events from the server register
type EventFetcher interface {
	EventsSince(ctx context.Context, since int64) ([]*types.SyncEvent, error)
}

// Applier applies one event locally. It reports whether the event changed
// local state; stale events return false with no error.
type Applier interface {
	Apply(ctx context.Context, event *types.SyncEvent) (bool, error)
}

// Config controls the poll schedule
type Config struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	PageSize   int // A full page is re-polled without waiting
}

// Status is a point-in-time view of the poller
type Status struct {
	State             State     `json:"state"`
	HighWaterMark     int64     `json:"highWaterMark"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastError         string    `json:"lastError,omitempty"`
	LastPollAt        time.Time `json:"lastPollAt,omitempty"`
	NextPollAt        time.Time `json:"nextPollAt,omitempty"`
}

// Poller pulls and applies server events on a schedule
type Poller struct {
	fetcher EventFetcher
	applier Applier
	store   storage.Storage
	config  Config
	metrics *obs.Metrics
	logger  *slog.Logger

	pollMu sync.Mutex // serializes PollOnce

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPoller creates a stopped poller
func NewPoller(fetcher EventFetcher, applier Applier, store storage.Storage, config Config, metrics *obs.Metrics, logger *slog.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.MaxBackoff < config.Interval {
		config.MaxBackoff = config.Interval
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	return &Poller{
		fetcher: fetcher,
		applier: applier,
		store:   store,
		config:  config,
		metrics: metrics,
		logger:  obs.OrDiscard(logger),
		status:  Status{State: StateIdle},
	}
}

// Start loads the persisted high-water mark and launches the poll loop. The
// first poll runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	hwm, err := p.loadHighWaterMark(ctx)
	if err != nil {
		return err
	}
	p.status.HighWaterMark = hwm

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.done)
	p.logger.Info("poller_started", "interval", p.config.Interval, "high_water_mark", hwm)
	return nil
}

// Stop cancels the loop and waits for an in-flight poll to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.status.State = StateIdle
	p.status.NextPollAt = time.Time{}
	p.mu.Unlock()
	p.logger.Info("poller_stopped")
}

// Status returns a snapshot of the loop state
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Running reports whether the loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := time.Duration(0)
	for {
		p.setScheduled(delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		p.setState(StateRunning)
		_, fetched, err := p.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		delay = p.afterPoll(err)
		if err == nil && fetched >= p.config.PageSize {
			// Backlog; keep draining
			delay = 0
		}
	}
}

// PollOnce fetches and applies one batch of events. It returns how many
// events changed local state.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	applied, _, err := p.poll(ctx)
	return applied, err
}

// poll also reports how many events the server returned
func (p *Poller) poll(ctx context.Context) (applied, fetched int, err error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	p.mu.Lock()
	hwm := p.status.HighWaterMark
	p.mu.Unlock()

	evts, err := p.fetcher.EventsSince(ctx, hwm)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch events since %d: %w", hwm, err)
	}
	fetched = len(evts)

	sort.SliceStable(evts, func(i, j int) bool { return evts[i].Timestamp < evts[j].Timestamp })

	newHWM := hwm
	for _, evt := range evts {
		if evt.Timestamp <= newHWM {
			continue
		}
		changed, aerr := p.applier.Apply(ctx, evt)
		if aerr != nil {
			// Keep the progress made so far; the failed event is refetched next poll
			if perr := p.saveHighWaterMark(ctx, newHWM, hwm); perr != nil {
				p.logger.Error("poll_hwm_persist_failed", "error", perr)
			}
			return applied, fetched, fmt.Errorf("apply event %s: %w", evt.ID, aerr)
		}
		if changed {
			applied++
		}
		newHWM = evt.Timestamp
	}

	if err := p.saveHighWaterMark(ctx, newHWM, hwm); err != nil {
		return applied, fetched, err
	}
	if applied > 0 && p.metrics != nil {
		p.metrics.EventsApplied.Add(float64(applied))
	}
	if len(evts) > 0 {
		p.logger.Debug("poll_applied", "fetched", len(evts), "applied", applied, "high_water_mark", newHWM)
	}
	return applied, fetched, nil
}

// afterPoll records the outcome and returns the delay until the next poll
func (p *Poller) afterPoll(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.LastPollAt = time.Now().UTC()
	if err == nil {
		p.status.ConsecutiveErrors = 0
		p.status.LastError = ""
		p.status.State = StateIdle
		return p.config.Interval
	}

	p.status.ConsecutiveErrors++
	p.status.LastError = err.Error()
	p.status.State = StateBackoff
	if p.metrics != nil {
		p.metrics.PollErrors.Inc()
	}

	delay := BackoffDelay(p.config.Interval, p.config.MaxBackoff, p.status.ConsecutiveErrors)
	p.logger.Warn("poll_failed", "error", err, "consecutive_errors", p.status.ConsecutiveErrors, "retry_in", delay)
	return delay
}

// BackoffDelay returns min(interval × 2^errors, max)
func BackoffDelay(interval, ceiling time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	delay := interval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	return delay
}

func (p *Poller) setScheduled(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State != StateBackoff {
		p.status.State = StateScheduled
	}
	p.status.NextPollAt = time.Now().Add(delay).UTC()
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}

func (p *Poller) loadHighWaterMark(ctx context.Context) (int64, error) {
	raw, err := p.store.GetSetting(ctx, storage.SettingSyncHWM)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load high-water mark: %w", err)
	}
	hwm, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.logger.Warn("poll_hwm_invalid", "value", raw)
		return 0, nil
	}
	return hwm, nil
}

func (p *Poller) saveHighWaterMark(ctx context.Context, hwm, previous int64) error {
	if hwm == previous {
		return nil
	}
	if err := p.store.SetSetting(ctx, storage.SettingSyncHWM, strconv.FormatInt(hwm, 10)); err != nil {
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	p.mu.Lock()
	p.status.HighWaterMark = hwm
	p.mu.Unlock()
	return nil
}
