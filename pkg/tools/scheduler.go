package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/metrics"
)

// Scheduler runs tools registered with WithSchedule on their cron
// schedules. Overlapping runs of the same tool are skipped.
type Scheduler struct {
	invoker *Invoker
	logger  *logging.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	timeout time.Duration
}

// NewScheduler returns a stopped scheduler. Each run is bounded by timeout
// when it is positive.
func NewScheduler(iv *Invoker, logger *logging.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	cl := cron.PrintfLogger(logger)
	return &Scheduler{
		invoker: iv,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		entries: make(map[string]cron.EntryID),
		timeout: timeout,
	}
}

// Load schedules every scheduled tool in the registry that is not already
// scheduled and returns how many were added.
func (s *Scheduler) Load() (int, error) {
	added := 0
	for _, t := range s.invoker.Registry().List() {
		if t.Schedule == "" {
			continue
		}
		s.mu.Lock()
		_, exists := s.entries[t.Name]
		s.mu.Unlock()
		if exists {
			continue
		}
		if err := s.Add(t.Name, t.Schedule); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Add schedules the named tool with spec.
func (s *Scheduler) Add(name, spec string) error {
	if _, ok := s.invoker.Registry().Get(name); !ok {
		return fmt.Errorf("schedule %s: tool not registered", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %s: already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = id
	s.logger.WithFields(map[string]interface{}{"tool": name, "schedule": spec}).Info("tool scheduled")
	return nil
}

// Remove unschedules the named tool.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Next returns the next run time of the named tool.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running schedules in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running tools until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string) {
	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.invoker.Invoke(ctx, name, nil)
	metrics.RecordScheduledRun(name, err == nil)
	if err == nil {
		s.logger.WithContext(ctx).WithField("tool", name).Debug("scheduled run completed")
	}
}
