package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridmaster/etm-worker/internal/etm"
	"github.com/gridmaster/etm-worker/internal/worker/domain"
)

// iteration carries one job through the pipeline
type iteration struct {
	state    State
	delivery *domain.Delivery
	logger   *slog.Logger
	err      error

	endSituation      []byte
	contextScenarioID string
	etmScenarioID     string
	curves            []domain.CurveResult
	resultKey         string
	processed         domain.Job
}

// runIteration drives a single receive-to-terminal pass through the state machine
func (w *Worker) runIteration(ctx context.Context) *iteration {
	it := &iteration{state: StateIdle, logger: w.logger}

	for {
		if err := ctx.Err(); err != nil {
			it.err = err
			it.state = StateStopped
			break
		}

		next := w.step(ctx, it)
		w.setState(next)
		if next == StateIdle || next.Terminal() {
			it.state = next
			break
		}
		it.state = next
	}

	w.finish(ctx, it)
	return it
}

// step performs the work that leads out of the iteration's current state
// and returns the next state
func (w *Worker) step(ctx context.Context, it *iteration) State {
	switch it.state {
	case StateIdle:
		return w.receive(ctx, it)
	case StateReceived:
		return w.loadInputs(ctx, it)
	case StateScenarioCreating:
		return w.createScenario(ctx, it)
	case StateCurvesFetching:
		return w.fetchCurves(ctx, it)
	case StateArchiving:
		return w.archive(ctx, it)
	case StateStatePersisting:
		return w.persistState(ctx, it)
	case StateForwarding:
		return w.forward(ctx, it)
	default:
		it.err = fmt.Errorf("no transition from state %s", it.state)
		return StateStopped
	}
}

// finish settles the delivery of an iteration that did not complete
func (w *Worker) finish(ctx context.Context, it *iteration) {
	w.record(it)

	if it.delivery == nil || ctx.Err() != nil {
		return
	}

	switch it.state {
	case StateRequeued, StateStopped:
		if err := w.queue.Release(ctx, it.delivery.Receipt); err != nil {
			it.logger.Error("Failed to return message to queue",
				slog.Any("error", err),
			)
		}
	}
}

func (w *Worker) receive(ctx context.Context, it *iteration) State {
	delivery, err := w.queue.Receive(ctx)
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		it.err = err
		w.logger.Error("Dropping invalid job message",
			slog.Any("error", err),
		)
		return StateDropped
	case err != nil:
		return w.retry(ctx, it, err, "Failed to receive message")
	case delivery == nil:
		return StateIdle
	}

	it.delivery = delivery
	it.logger = w.logger.With(slog.String("scenario_id", delivery.Job.ScenarioID))
	it.logger.Info("Starting ETM scenario creation")

	return StateReceived
}

func (w *Worker) loadInputs(ctx context.Context, it *iteration) State {
	job := &it.delivery.Job

	endSituation, err := w.store.Get(ctx, job.BaseEsdlLocation)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to load base ESDL")
	}

	contextDoc, err := w.store.Get(ctx, job.ContextScenarioLocation)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to load context scenario")
	}

	contextScenarioID, err := parseContextScenario(contextDoc)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to parse context scenario")
	}

	it.endSituation = endSituation
	it.contextScenarioID = contextScenarioID

	return StateScenarioCreating
}

func (w *Worker) createScenario(ctx context.Context, it *iteration) State {
	etmScenarioID, err := w.scenarios.CreateScenario(ctx, w.startSituation, it.endSituation, it.contextScenarioID)
	if err == nil {
		it.etmScenarioID = etmScenarioID
		it.logger.Info("ETM scenario created",
			slog.String("etm_scenario_id", etmScenarioID),
		)
		return StateCurvesFetching
	}

	it.err = err
	if ctx.Err() != nil {
		return StateStopped
	}

	switch {
	case errors.Is(err, etm.ErrRejected):
		it.logger.Error("ETM rejected scenario, dropping job",
			slog.Any("error", err),
		)
		if delErr := w.queue.Delete(ctx, it.delivery.Receipt); delErr != nil {
			it.logger.Error("Failed to delete rejected message",
				slog.Any("error", delErr),
			)
		}
		return StateDropped

	case errors.Is(err, etm.ErrTimedOut):
		it.logger.Error("ETM scenario creation timed out, shutting down",
			slog.Any("error", err),
		)
		return StateStopped

	case etm.IsRetryable(err):
		level := slog.LevelError
		if errors.Is(err, etm.ErrThrottled) {
			level = slog.LevelWarn
		}
		it.logger.Log(ctx, level, "ETM could not create scenario, returning message to queue",
			slog.Any("error", err),
		)
		return StateRequeued

	default:
		it.logger.Error("ETM scenario creation failed unexpectedly, returning message to queue",
			slog.Any("error", err),
		)
		return StateRequeued
	}
}

func (w *Worker) fetchCurves(ctx context.Context, it *iteration) State {
	curves, err := w.scenarios.FetchCurves(ctx, it.etmScenarioID)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to fetch ETM curves")
	}

	it.curves = curves
	return StateArchiving
}

func (w *Worker) archive(ctx context.Context, it *iteration) State {
	data, err := w.pack(it.curves)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to build curve archive")
	}

	key, err := w.store.Put(ctx, it.delivery.Job.ResultKey(), data)
	if err != nil {
		return w.retry(ctx, it, err, "Failed to store curve archive")
	}

	it.resultKey = key
	it.logger.Info("Curve archive stored",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)

	return StateStatePersisting
}

func (w *Worker) persistState(ctx context.Context, it *iteration) State {
	processed := it.delivery.Job.MarkProcessed(it.etmScenarioID, it.resultKey)
	if !processed.Processed() {
		it.err = domain.ErrIncompleteJob
		it.logger.Error("Refusing to persist incomplete job state")
		return StateRequeued
	}

	if err := w.states.UpdateJobState(ctx, &processed); err != nil {
		return w.retry(ctx, it, err, "Failed to update scenario state")
	}

	it.processed = processed
	return StateForwarding
}

func (w *Worker) forward(ctx context.Context, it *iteration) State {
	if err := w.queue.Delete(ctx, it.delivery.Receipt); err != nil {
		return w.retry(ctx, it, err, "Failed to delete processed message")
	}

	if err := w.queue.Send(ctx, it.processed); err != nil {
		it.err = err
		it.logger.Error("Job acknowledged but could not be forwarded",
			slog.Any("error", err),
			slog.String("etm_scenario_id", it.processed.EtmScenarioID),
			slog.String("etm_result_location", it.processed.EtmResultLocation),
		)
		return StateDropped
	}

	it.logger.Info("Successfully created ETM scenario",
		slog.String("etm_scenario_id", it.processed.EtmScenarioID),
		slog.String("etm_result_location", it.processed.EtmResultLocation),
	)

	return StateForwarded
}

// retry records a transient failure. The delivery is left for redelivery.
func (w *Worker) retry(ctx context.Context, it *iteration, err error, msg string) State {
	it.err = err
	if ctx.Err() != nil {
		return StateStopped
	}

	it.logger.Warn(msg+", returning message to queue",
		slog.Any("error", err),
	)
	return StateRequeued
}

// parseContextScenario extracts the context scenario id from its JSON document
func parseContextScenario(doc []byte) (string, error) {
	var parsed struct {
		ContextScenario json.RawMessage `json:"contextScenario"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode context scenario: %w", err)
	}

	id, err := etm.ScalarString(parsed.ContextScenario)
	if err != nil {
		return "", fmt.Errorf("context scenario has no contextScenario id: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("context scenario id is empty")
	}
	return id, nil
}
