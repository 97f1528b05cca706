package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Runs first: the recorders must tolerate an uninitialised registry.
func TestRecordersNoopBeforeInit(t *testing.T) {
	ObserveCycle("acquire", time.Millisecond, false)
	IncOverrun("acquire")
	IncReadError("timeout")
	AddDegradedChunks("Levels", 2)
	IncAlarmTransition("triggered")
	SetActiveAlarms(3)
	SetThresholdActive("Setpoint high", true)
	IncPersistFailure()
	IncPublishError("kafka")
	SetProviderMode("live", "live", "simulated")
}

func TestRecorders(t *testing.T) {
	Init()
	Init()

	ObserveCycle("alarm", 10*time.Millisecond, false)
	ObserveCycle("alarm", 10*time.Millisecond, true)
	IncOverrun("alarm")
	if got := testutil.ToFloat64(cycleTotal.WithLabelValues("alarm", resultOK)); got != 1 {
		t.Errorf("ok cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cycleTotal.WithLabelValues("alarm", resultDegraded)); got != 1 {
		t.Errorf("degraded cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cycleTotal.WithLabelValues("alarm", resultOverrun)); got != 1 {
		t.Errorf("overruns = %v, want 1", got)
	}

	IncReadError("")
	if got := testutil.ToFloat64(readErrors.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown read errors = %v, want 1", got)
	}

	AddDegradedChunks("Words", 0)
	AddDegradedChunks("Words", 3)
	if got := testutil.ToFloat64(blockDegraded.WithLabelValues("Words")); got != 3 {
		t.Errorf("degraded chunks = %v, want 3", got)
	}

	SetActiveAlarms(4)
	if got := testutil.ToFloat64(activeAlarms); got != 4 {
		t.Errorf("active alarms = %v, want 4", got)
	}

	SetThresholdActive("Tank high", true)
	SetThresholdActive("Tank high", false)
	if got := testutil.ToFloat64(thresholdActive.WithLabelValues("Tank high")); got != 0 {
		t.Errorf("threshold gauge = %v, want 0", got)
	}

	SetProviderMode("simulated", "live", "simulated")
	if got := testutil.ToFloat64(providerMode.WithLabelValues("live")); got != 0 {
		t.Errorf("live gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(providerMode.WithLabelValues("simulated")); got != 1 {
		t.Errorf("simulated gauge = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	Init()
	IncPublishError("nats")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `batchhmi_publish_errors_total{sink="nats"}`) {
		t.Error("publish error counter missing from exposition")
	}
}
