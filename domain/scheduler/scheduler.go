package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/emergent-company/agentbilling/pkg/logger"
)

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentbilling",
	Subsystem: "scheduler",
	Name:      "task_runs_total",
	Help:      "Scheduled task runs, by task and outcome.",
}, []string{"task", "outcome"})

// TaskFunc is a scheduled unit of work.
type TaskFunc func(ctx context.Context) error

// Scheduler runs named tasks on cron schedules (with seconds) or fixed
// intervals. A task never overlaps with itself.
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration
	tasks   map[string]cron.EntryID
	mu      sync.RWMutex
	running bool
}

func NewScheduler(log *slog.Logger) *Scheduler {
	log = log.With(logger.Scope("scheduler"))
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:     log,
		timeout: 30 * time.Minute,
		tasks:   make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop waits for running tasks or ctx, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout")
	}
	s.running = false
	return nil
}

// AddCronTask schedules task with a six-field cron expression
// ("second minute hour day-of-month month day-of-week"), replacing any
// task with the same name.
func (s *Scheduler) AddCronTask(name, schedule string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
	}
	id, err := s.cron.AddFunc(schedule, func() { s.RunTask(name, task) })
	if err != nil {
		return err
	}
	s.tasks[name] = id
	s.log.Info("added cron task", slog.String("name", name), slog.String("schedule", schedule))
	return nil
}

// AddIntervalTask schedules task every interval.
func (s *Scheduler) AddIntervalTask(name string, interval time.Duration, task TaskFunc) error {
	return s.AddCronTask(name, "@every "+interval.String(), task)
}

// RemoveTask unschedules name.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
		s.log.Info("removed task", slog.String("name", name))
	}
}

// RunTask runs task once with the scheduler's timeout, logging the outcome.
func (s *Scheduler) RunTask(name string, task TaskFunc) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		taskRuns.WithLabelValues(name, "error").Inc()
		s.log.Error("scheduled task failed",
			slog.String("name", name),
			slog.Duration("duration", time.Since(start)),
			logger.Error(err))
		return
	}
	taskRuns.WithLabelValues(name, "success").Inc()
	s.log.Debug("scheduled task completed",
		slog.String("name", name),
		slog.Duration("duration", time.Since(start)))
}

// ListTasks returns the scheduled task names, sorted.
func (s *Scheduler) ListTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskInfo describes a scheduled task.
type TaskInfo struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"nextRun"`
	PrevRun time.Time `json:"prevRun,omitempty"`
}

// GetTaskInfo returns the next and previous run of every task.
func (s *Scheduler) GetTaskInfo() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make([]TaskInfo, 0, len(s.tasks))
	for name, id := range s.tasks {
		e := s.cron.Entry(id)
		info = append(info, TaskInfo{Name: name, NextRun: e.Next, PrevRun: e.Prev})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Name < info[j].Name })
	return info
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
