package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/groundtruth/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(fullSources())
	alerter := NewAlerter(config.MonitoringConfig{ErrorRateThreshold: 0.10})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(Sources{}), nil, config.MonitoringConfig{CheckIntervalSecs: 0})
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckLogsProgressAndSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{ErrorRateThreshold: 0.05, WebhookURL: ts.URL}
	checker := NewChecker(NewCollector(fullSources()), NewAlerter(cfg), cfg)

	core, logs := observer.New(zap.InfoLevel)
	checker.check(context.Background(), zap.New(core))

	progress := logs.FilterMessage("monitoring: progress").All()
	if assert.Len(t, progress, 1) {
		fields := progress[0].ContextMap()
		assert.Equal(t, "run-1", fields["run_id"])
		assert.EqualValues(t, 40, fields["processed"])
		assert.Equal(t, "standard-2", fields["active_slot"])
	}
	assert.Equal(t, int32(1), received.Load())
}
