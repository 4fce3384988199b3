package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/metrics"
)

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "linkd",
		Port:        9102,
	})
	assert.NoError(t, err)

	// Handler should return metrics
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, client.Close())
}

func TestMetricsDedicatedServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "linkd-test",
		Port:        9103,
	})
	assert.NoError(t, err)
	defer client.Close()

	// ServeMetrics uses configured port
	err = client.ServeMetrics(ctx)
	assert.NoError(t, err)
}

func TestMetricsGraphiteRequiresAddr(t *testing.T) {
	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	_, err := metrics.New(ctx, metrics.Config{
		ServiceName: "linkd",
		Port:        9104,
		Provider:    "graphite",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "graphite_addr")
}

func TestOperationMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, logging.Config{})
	_ = logger

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "linkd-ops",
		Port:        9105,
	})
	assert.NoError(t, err)
	defer client.Close()

	ops, err := metrics.NewOperationMetrics()
	assert.NoError(t, err)
	ops.RecordOperation(ctx, "replicate", "success", 125*time.Millisecond)
	ops.RecordCount(ctx, "gossip.seen", 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "linkd_operation")
}
