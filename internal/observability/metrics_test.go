package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordsStagesAndCounters(t *testing.T) {
	m := NewMetrics("shrink_test", prometheus.NewRegistry())
	m.ObserveStage(StageRecall, 120*time.Millisecond)
	m.ObserveRequest("ok")
	m.ObserveDegraded("tone")
	m.ObserveRecall(true)

	if got := testutil.ToFloat64(m.ChatRequests.WithLabelValues("ok")); got != 1 {
		t.Fatalf("chat_requests_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Degraded.WithLabelValues("tone")); got != 1 {
		t.Fatalf("enrichment_degraded_total{tone} = %v, want 1", got)
	}
	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 120 {
		t.Fatalf("stages = %+v", snap.Stages)
	}
	if len(snap.Indicators) != 2 {
		t.Fatalf("indicators = %+v", snap.Indicators)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageTotal, time.Second)
	m.ObserveRequest("ok")
	m.ObserveSafety("crisis")
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", snap)
	}
}
