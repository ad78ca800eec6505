package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gridmaster/etm-worker/internal/api/handler"
	"github.com/gridmaster/etm-worker/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDatabase struct{ err error }

func (f fakeDatabase) HealthCheck(ctx context.Context) error { return f.err }

type fakeBroker struct{ connected bool }

func (f fakeBroker) IsConnected() bool { return f.connected }

type fakeWorker struct{ stats worker.Stats }

func (f fakeWorker) Stats() worker.Stats { return f.stats }

func init() {
	gin.SetMode(gin.TestMode)
}

func newDeps() *handler.Dependencies {
	return &handler.Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Database: fakeDatabase{},
		Broker:   fakeBroker{connected: true},
		Worker: fakeWorker{stats: worker.Stats{
			WorkerID:  "w-1",
			State:     "curves_fetching",
			Processed: 4,
		}},
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(d *handler.Dependencies)
		wantStatus int
		wantState  string
	}{
		{
			name:       "all healthy",
			mutate:     func(d *handler.Dependencies) {},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name:       "database down",
			mutate:     func(d *handler.Dependencies) { d.Database = fakeDatabase{err: errors.New("refused")} },
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
		{
			name:       "broker disconnected",
			mutate:     func(d *handler.Dependencies) { d.Broker = fakeBroker{} },
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newDeps()
			tt.mutate(deps)
			r := SetupRouter(deps)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body["status"])
			assert.Equal(t, "etm-worker", body["service"])
		})
	}
}

func TestStatus(t *testing.T) {
	r := SetupRouter(newDeps())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var stats worker.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "w-1", stats.WorkerID)
	assert.Equal(t, "curves_fetching", stats.State)
	assert.Equal(t, int64(4), stats.Processed)
}

func TestStatus_NoWorker(t *testing.T) {
	deps := newDeps()
	deps.Worker = nil
	r := SetupRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
