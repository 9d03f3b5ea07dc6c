package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/metrics"
)

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "gitout",
		Port:        9102,
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, client.Close())
}

func TestSyncMetricsRecord(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{ServiceName: "gitout-test", Port: 9103})
	assert.NoError(t, err)
	defer client.Close()

	recorder, err := metrics.NewSyncMetrics()
	assert.NoError(t, err)

	recorder.RecordTask(ctx, "clone", "succeeded", 1, 1500*time.Millisecond, "")
	recorder.RecordTask(ctx, "update", "failed", 6, 90*time.Second, "network")
	recorder.RecordRun(ctx, 1, 2*time.Minute)
	recorder.RecordDiscovery(ctx, "owned", 12)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "gitout_tasks_total")
	assert.Contains(t, body, "gitout_runs_total")
	assert.Contains(t, body, "gitout_discovery_repositories_total")
	assert.Contains(t, body, `category="network"`)
}

func TestSyncMetricsNilSafe(t *testing.T) {
	var recorder *metrics.SyncMetrics
	// Must not panic.
	recorder.RecordTask(context.Background(), "clone", "succeeded", 1, time.Second, "")
	recorder.RecordRun(context.Background(), 0, time.Second)
	recorder.RecordDiscovery(context.Background(), "owned", 1)
}

func TestSyncFromContext(t *testing.T) {
	assert.Zero(t, metrics.SyncFromContext(context.Background()))

	recorder := &metrics.SyncMetrics{}
	ctx := metrics.ContextWithSync(context.Background(), recorder)
	assert.Equal(t, recorder, metrics.SyncFromContext(ctx))
}
