package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/model"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{ErrorRateThreshold: 0.25, MinAttempts: 5, LookbackHours: 24}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	var runs []model.RunRecord
	for range 9 {
		runs = append(runs, run(model.StageBriefing, model.RunStatusSuccess, "", time.Now()))
	}
	runs = append(runs, run(model.StageBriefing, model.RunStatusError, "store_fetch_failed", time.Now()))

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(Summarize(runs))
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ErrorRate(t *testing.T) {
	runs := []model.RunRecord{
		run(model.StageBriefing, model.RunStatusSuccess, "", time.Now()),
		run(model.StageBriefing, model.RunStatusSuccess, "", time.Now()),
		run(model.StageBriefing, model.RunStatusError, "inference_no_output", time.Now()),
		run(model.StageBriefing, model.RunStatusError, "inference_no_output", time.Now()),
		run(model.StageBriefing, model.RunStatusNoRecentActivity, "", time.Now()),
	}
	snap := Summarize(runs)
	snap.LookbackHours = 24

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertErrorRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "2 errors / 5 runs")
}

func TestAlerter_Evaluate_BelowMinAttempts(t *testing.T) {
	snap := Summarize([]model.RunRecord{
		run(model.StageBriefing, model.RunStatusError, "inference_no_output", time.Now()),
	})
	assert.Empty(t, NewAlerter(testMonitoringConfig()).Evaluate(snap))
}

func TestAlerter_Evaluate_StageAndQuota(t *testing.T) {
	var runs []model.RunRecord
	for range 10 {
		runs = append(runs, run(model.StageClassification, model.RunStatusSuccess, "", time.Now()))
	}
	for range 3 {
		runs = append(runs, run(model.StageBriefing, model.RunStatusSuccess, "", time.Now()))
	}
	for range 3 {
		runs = append(runs, run(model.StageBriefing, model.RunStatusError, "inference_rate_limited", time.Now()))
	}

	alerts := NewAlerter(testMonitoringConfig()).Evaluate(Summarize(runs))
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStageErrorRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "briefing error rate 50.0%")
	assert.Equal(t, AlertRateLimited, alerts[1].Type)
	assert.Equal(t, 3, alerts[1].Details["count"])
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate, Severity: "high", Message: "boom"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertErrorRate, got.Type)
	assert.Equal(t, "boom", got.Message)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	sent := NewAlerter(testMonitoringConfig()).SendAlerts(context.Background(), []Alert{{Type: AlertErrorRate}})
	assert.Equal(t, 0, sent)
}
