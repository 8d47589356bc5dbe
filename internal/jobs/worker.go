package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentbilling",
	Subsystem: "jobs",
	Name:      "processed_total",
	Help:      "Background jobs processed, by worker and outcome.",
}, []string{"worker", "outcome"})

// WorkerConfig contains configuration for a background worker
type WorkerConfig struct {
	// Name is a descriptive name for the worker (for logging and metrics)
	Name string
	// PollInterval is how often to poll for new jobs (default: 5s)
	PollInterval time.Duration
	// BatchSize is the number of jobs to dequeue per poll (default: 10)
	BatchSize int
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults
func DefaultWorkerConfig(name string) WorkerConfig {
	return WorkerConfig{
		Name:         name,
		PollInterval: 5 * time.Second,
		BatchSize:    10,
	}
}

// Worker polls on an interval and calls process for each tick. Stop waits
// for the batch in flight to finish.
type Worker struct {
	config    WorkerConfig
	log       *slog.Logger
	process   func(ctx context.Context) error
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new background worker
func NewWorker(config WorkerConfig, log *slog.Logger, process func(ctx context.Context) error) *Worker {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}
	return &Worker{
		config:  config,
		log:     log.With(slog.String("worker", config.Name)),
		process: process,
	}
}

// Start begins the worker's polling loop. The loop runs until Stop is
// called; ctx is only used for the first log line.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})

	w.log.InfoContext(ctx, "worker starting",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("batch_size", w.config.BatchSize))

	go w.run(w.stopCh, w.stoppedCh)
	return nil
}

// Stop gracefully stops the worker, waiting for the current batch or ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	stopped := w.stoppedCh
	w.mu.Unlock()

	select {
	case <-stopped:
		w.log.Info("worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout, forcing shutdown")
	}
	return nil
}

func (w *Worker) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := w.process(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("process batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce processes a single batch synchronously.
func (w *Worker) RunOnce(ctx context.Context) error {
	return w.process(ctx)
}

// BatchSize returns the configured batch size.
func (w *Worker) BatchSize() int {
	return w.config.BatchSize
}

// Metrics returns current worker metrics
func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
	}
}

// IncrementSuccess increments both processed and success counters
func (w *Worker) IncrementSuccess() {
	w.processed.Add(1)
	w.succeeded.Add(1)
	jobsProcessed.WithLabelValues(w.config.Name, "success").Inc()
}

// IncrementFailure increments both processed and failure counters
func (w *Worker) IncrementFailure() {
	w.processed.Add(1)
	w.failed.Add(1)
	jobsProcessed.WithLabelValues(w.config.Name, "failure").Inc()
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WorkerMetrics contains worker metrics
type WorkerMetrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}
