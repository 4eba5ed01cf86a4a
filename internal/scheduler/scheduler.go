// Package scheduler runs the periodic library jobs on cron specs evaluated in
// the library's timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned for a job name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Task is one unit of background work. The int result is logged as the
// number of items it touched.
type Task func(ctx context.Context) (int, error)

type job struct {
	name string
	spec string
	task Task
	id   cron.EntryID
}

// Scheduler wraps a cron instance with logging and a shared base context.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a scheduler whose specs are interpreted in loc.
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cronLogger := cronLog{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers task under name. An empty spec leaves the job disabled.
func (s *Scheduler) Add(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, task: task}
	if spec == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		s.jobs[name] = j
		return nil
	}

	id, err := s.cron.AddFunc(spec, func() { s.execute(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	j.id = id
	s.jobs[name] = j
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// RunNow executes a registered job immediately, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Next reports when a job fires next. Disabled jobs report the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || j.id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(j.id).Next
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec,omitempty"`
	Enabled bool      `json:"enabled"`
	Next    time.Time `json:"next,omitempty"`
}

// Jobs lists the registered jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]JobInfo, 0, len(names))
	for _, name := range names {
		s.mu.Lock()
		j := s.jobs[name]
		s.mu.Unlock()
		out = append(out, JobInfo{Name: name, Spec: j.spec, Enabled: j.id != 0, Next: s.Next(name)})
	}
	return out
}

func (s *Scheduler) execute(ctx context.Context, j *job) (int, error) {
	start := time.Now()
	n, err := j.task(ctx)
	if err != nil {
		s.logger.Error("job failed",
			zap.String("job", j.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return n, err
	}
	s.logger.Info("job finished",
		zap.String("job", j.name),
		zap.Int("items", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	logger *zap.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
