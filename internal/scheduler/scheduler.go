package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/dshills/possync/internal/obs"
)

// Job names registered by the service container
const (
	JobOrderSync  = "order-sync"
	JobOutbox     = "outbox"
	JobEventPrune = "event-prune"
)

// ErrUnknownJob is returned by RunNow for an unregistered name
var ErrUnknownJob = errors.New("unknown job")

// Func is one unit of scheduled work
type Func func(ctx context.Context) error

// JobInfo describes a registered job
type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	RunCount int           `json:"runCount"`
	LastRun  time.Time     `json:"lastRun,omitempty"`
	NextRun  time.Time     `json:"nextRun,omitempty"`
}

// Scheduler wraps a gocron scheduler
type Scheduler struct {
	cron   *gocron.Scheduler
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	jobs      map[string]*gocron.Job
	intervals map[string]time.Duration
	started   bool
}

// New creates a stopped scheduler
func New(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cron := gocron.NewScheduler(time.UTC)
	cron.TagsUnique()
	return &Scheduler{
		cron:      cron,
		logger:    obs.OrDiscard(logger),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*gocron.Job),
		intervals: make(map[string]time.Duration),
	}
}

// Add registers fn to run every interval. The first run happens when the
// scheduler starts.
func (s *Scheduler) Add(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job, err := s.cron.Every(interval).Tag(name).SingletonMode().Do(s.wrap(name, fn))
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	s.jobs[name] = job
	s.intervals[name] = interval
	return nil
}

// wrap adds timing and error logging around a job
func (s *Scheduler) wrap(name string, fn Func) func() {
	return func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := fn(s.ctx)
		elapsed := time.Since(start)
		if err != nil {
			s.logger.Warn("job_failed", "job", name, "error", err, "elapsed", elapsed)
			return
		}
		s.logger.Debug("job_completed", "job", name, "elapsed", elapsed)
	}
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.StartAsync()
	s.logger.Info("scheduler_started", "jobs", len(s.jobs))
}

// Stop cancels in-flight jobs and halts the scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	s.cron.Stop()
	s.logger.Info("scheduler_stopped")
}

// Running reports whether the scheduler is started
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RunNow triggers a job immediately, outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.cron.RunByTag(name)
}

// Jobs lists registered jobs sorted by name
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		infos = append(infos, JobInfo{
			Name:     name,
			Interval: s.intervals[name],
			RunCount: job.RunCount(),
			LastRun:  job.LastRun(),
			NextRun:  job.NextRun(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
