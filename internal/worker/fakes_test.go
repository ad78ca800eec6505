package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gridmaster/etm-worker/internal/worker/domain"
)

// recorder captures side effects in the order they happen
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeQueue struct {
	rec        *recorder
	deliveries []*domain.Delivery
	receiveErr error
	deleteErr  error
	sendErr    error
	deleted    []domain.Receipt
	released   []domain.Receipt
	sent       []domain.Job
	polls      int
}

func (q *fakeQueue) Receive(ctx context.Context) (*domain.Delivery, error) {
	q.polls++
	if q.receiveErr != nil {
		err := q.receiveErr
		q.receiveErr = nil
		return nil, err
	}
	if len(q.deliveries) == 0 {
		return nil, nil
	}
	d := q.deliveries[0]
	q.deliveries = q.deliveries[1:]
	q.rec.add("receive:" + d.Job.ScenarioID)
	return d, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receipt domain.Receipt) error {
	if q.deleteErr != nil {
		return q.deleteErr
	}
	q.rec.add("delete:" + string(receipt))
	q.deleted = append(q.deleted, receipt)
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, receipt domain.Receipt) error {
	q.rec.add("release:" + string(receipt))
	q.released = append(q.released, receipt)
	return nil
}

func (q *fakeQueue) Send(ctx context.Context, job domain.Job) error {
	if q.sendErr != nil {
		return q.sendErr
	}
	q.rec.add("send:" + job.ScenarioID)
	q.sent = append(q.sent, job)
	return nil
}

type fakeStore struct {
	rec     *recorder
	objects map[string][]byte
	getErr  error
	putErr  error
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	s.rec.add("get:" + key)
	return data, nil
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if s.putErr != nil {
		return "", s.putErr
	}
	s.objects[key] = data
	s.rec.add("put:" + key)
	return key, nil
}

type fakeScenarioAPI struct {
	rec        *recorder
	scenarioID string
	createErr  error
	curves     []domain.CurveResult
	curvesErr  error

	gotStart, gotEnd []byte
	gotContextID     string
}

func (a *fakeScenarioAPI) CreateScenario(ctx context.Context, start, end []byte, contextScenarioID string) (string, error) {
	a.gotStart, a.gotEnd, a.gotContextID = start, end, contextScenarioID
	a.rec.add("create")
	if a.createErr != nil {
		return "", a.createErr
	}
	return a.scenarioID, nil
}

func (a *fakeScenarioAPI) FetchCurves(ctx context.Context, scenarioID string) ([]domain.CurveResult, error) {
	a.rec.add("curves:" + scenarioID)
	if a.curvesErr != nil {
		return nil, a.curvesErr
	}
	return a.curves, nil
}

type fakeStateStore struct {
	rec     *recorder
	store   *fakeStore
	err     error
	updated []domain.Job
	// artifactPresent records whether the referenced archive existed at update time
	artifactPresent []bool
}

func (s *fakeStateStore) UpdateJobState(ctx context.Context, job *domain.Job) error {
	if s.err != nil {
		return s.err
	}
	_, ok := s.store.objects[job.EtmResultLocation]
	s.artifactPresent = append(s.artifactPresent, ok)
	s.rec.add("update:" + job.ScenarioID)
	s.updated = append(s.updated, *job)
	return nil
}

type harness struct {
	rec    *recorder
	queue  *fakeQueue
	store  *fakeStore
	api    *fakeScenarioAPI
	states *fakeStateStore
	worker *Worker
	sleeps []time.Duration
}

func newHarness(deliveries ...*domain.Delivery) *harness {
	rec := &recorder{}
	store := &fakeStore{rec: rec, objects: map[string][]byte{
		"jobs/42/base.esdl":    []byte("<end/>"),
		"jobs/42/context.json": []byte(`{"contextScenario": 7001}`),
	}}
	h := &harness{
		rec:   rec,
		queue: &fakeQueue{rec: rec, deliveries: deliveries},
		store: store,
		api: &fakeScenarioAPI{
			rec:        rec,
			scenarioID: "etm-99",
			curves: []domain.CurveResult{
				{Kind: domain.CurveMeritOrder, Content: []byte("hour,price\n1,10\n")},
				{Kind: domain.CurveNetworkGas, Content: []byte("hour,flow\n1,2\n")},
				{Kind: domain.CurveHydrogen, Content: []byte("hour,flow\n1,3\n")},
			},
		},
		states: &fakeStateStore{rec: rec, store: store},
	}

	h.worker = NewWorker(&Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		WorkerID:       "worker-test",
		Queue:          h.queue,
		ObjectStore:    h.store,
		ScenarioAPI:    h.api,
		StateStore:     h.states,
		StartSituation: []byte("<start/>"),
		PollInterval:   5 * time.Second,
		IdleTimeout:    12 * time.Second,
		Backoff:        &backoff.ZeroBackOff{},
	})
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func newDelivery(scenarioID, receipt string) *domain.Delivery {
	return &domain.Delivery{
		Job: domain.Job{
			ScenarioID:              scenarioID,
			BucketFolder:            "jobs/42/",
			BaseEsdlLocation:        "jobs/42/base.esdl",
			ContextScenarioLocation: "jobs/42/context.json",
			CalculationState:        "esdlCreated",
		},
		Receipt: domain.Receipt(receipt),
	}
}
