package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gridmaster/etm-worker/internal/archive"
	"github.com/gridmaster/etm-worker/internal/worker/domain"
)

const (
	// DefaultPollInterval is the wait between polls of an empty queue
	DefaultPollInterval = 5 * time.Second
)

// Queue receives jobs from the inbound queue and forwards them downstream
type Queue interface {
	Receive(ctx context.Context) (*domain.Delivery, error)
	Delete(ctx context.Context, receipt domain.Receipt) error
	Release(ctx context.Context, receipt domain.Receipt) error
	Send(ctx context.Context, job domain.Job) error
}

// ObjectStore reads input documents and persists result archives
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// ScenarioAPI creates scenarios and retrieves their curves
type ScenarioAPI interface {
	CreateScenario(ctx context.Context, startSituation, endSituation []byte, contextScenarioID string) (string, error)
	FetchCurves(ctx context.Context, scenarioID string) ([]domain.CurveResult, error)
}

// StateStore records the processed state of a job
type StateStore interface {
	UpdateJobState(ctx context.Context, job *domain.Job) error
}

// Config holds worker configuration
type Config struct {
	Logger         *slog.Logger
	WorkerID       string
	Queue          Queue
	ObjectStore    ObjectStore
	ScenarioAPI    ScenarioAPI
	StateStore     StateStore
	StartSituation []byte
	PollInterval   time.Duration
	IdleTimeout    time.Duration // zero disables idle shutdown
	Backoff        backoff.BackOff
}

// Stats is a snapshot of the worker's progress
type Stats struct {
	WorkerID       string    `json:"worker_id"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	Processed      int64     `json:"processed"`
	Dropped        int64     `json:"dropped"`
	Requeued       int64     `json:"requeued"`
	IdlePolls      int64     `json:"idle_polls"`
	LastScenarioID string    `json:"last_scenario_id,omitempty"`
}

// Worker advances jobs one at a time through the etm pipeline stage
type Worker struct {
	logger         *slog.Logger
	workerID       string
	queue          Queue
	store          ObjectStore
	scenarios      ScenarioAPI
	states         StateStore
	startSituation []byte
	pollInterval   time.Duration
	idleTimeout    time.Duration
	backoff        backoff.BackOff
	pack           func([]domain.CurveResult) ([]byte, error)
	sleep          func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats Stats
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	b := cfg.Backoff
	if b == nil {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 0
		b = exp
	}

	return &Worker{
		logger:         cfg.Logger,
		workerID:       cfg.WorkerID,
		queue:          cfg.Queue,
		store:          cfg.ObjectStore,
		scenarios:      cfg.ScenarioAPI,
		states:         cfg.StateStore,
		startSituation: cfg.StartSituation,
		pollInterval:   pollInterval,
		idleTimeout:    cfg.IdleTimeout,
		backoff:        b,
		pack:           archive.Build,
		sleep:          sleepContext,
		stats: Stats{
			WorkerID: cfg.WorkerID,
			State:    StateIdle.String(),
		},
	}
}

// Run polls the inbound queue and processes jobs until the queue stays empty
// for longer than the idle timeout, the context is canceled, or a scenario
// calculation times out. Only the timeout is reported as an error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("idle_timeout", w.idleTimeout),
	)

	w.mu.Lock()
	w.stats.StartedAt = time.Now()
	w.mu.Unlock()

	var idle time.Duration
	for {
		it := w.runIteration(ctx)

		switch it.state {
		case StateIdle:
			w.logger.Info("Queue is empty, waiting",
				slog.Duration("wait", w.pollInterval),
			)
			if err := w.sleep(ctx, w.pollInterval); err != nil {
				w.logger.Info("Worker context canceled, stopping...")
				return nil
			}
			idle += w.pollInterval
			if w.idleTimeout > 0 && idle > w.idleTimeout {
				w.logger.Info("Idle timeout exceeded, shutting down",
					slog.Duration("idle", idle),
					slog.Duration("idle_timeout", w.idleTimeout),
				)
				return nil
			}

		case StateStopped:
			if ctx.Err() != nil {
				w.logger.Info("Worker context canceled, stopping...")
				return nil
			}
			return fmt.Errorf("%w: %v", domain.ErrComputationTimeout, it.err)

		case StateRequeued:
			idle = 0
			wait := w.backoff.NextBackOff()
			if wait == backoff.Stop {
				w.backoff.Reset()
				wait = w.backoff.NextBackOff()
			}
			w.logger.Debug("Backing off before next poll",
				slog.Duration("wait", wait),
			)
			if err := w.sleep(ctx, wait); err != nil {
				w.logger.Info("Worker context canceled, stopping...")
				return nil
			}

		default:
			idle = 0
			w.backoff.Reset()
		}
	}
}

// Stats returns a snapshot of the worker's progress
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.stats.State = s.String()
	w.mu.Unlock()
}

func (w *Worker) record(it *iteration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch it.state {
	case StateIdle:
		w.stats.IdlePolls++
	case StateForwarded:
		w.stats.Processed++
	case StateDropped:
		w.stats.Dropped++
	case StateRequeued:
		w.stats.Requeued++
	}
	if it.delivery != nil {
		w.stats.LastScenarioID = it.delivery.Job.ScenarioID
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
