package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry_Isolated(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()

	r1.RecordUpdate(Received, 10)
	if got := testutil.ToFloat64(r2.UpdatesTotal.WithLabelValues(Received)); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() should return the same instance")
	}
	if OrDefault(nil) != DefaultRegistry() {
		t.Error("OrDefault(nil) should return the default registry")
	}
	r := NewRegistry()
	if OrDefault(r) != r {
		t.Error("OrDefault replaced a non-nil registry")
	}
}

func TestPeerGauges(t *testing.T) {
	r := NewRegistry()
	r.PeerConnected("ds")
	r.PeerConnected("ds")
	r.PeerConnected("rs")
	r.PeerDisconnected("ds")

	if got := testutil.ToFloat64(r.ConnectedPeers.WithLabelValues("ds")); got != 1 {
		t.Errorf("ds peers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.ConnectedPeers.WithLabelValues("rs")); got != 1 {
		t.Errorf("rs peers = %v, want 1", got)
	}
}

func TestRecordUpdate(t *testing.T) {
	r := NewRegistry()
	r.RecordUpdate(Received, 100)
	r.RecordUpdate(Received, 50)
	r.RecordUpdate(Sent, 70)

	if got := testutil.ToFloat64(r.UpdatesTotal.WithLabelValues(Received)); got != 2 {
		t.Errorf("received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.UpdateBytesTotal.WithLabelValues(Received)); got != 150 {
		t.Errorf("received bytes = %v, want 150", got)
	}
	if got := testutil.ToFloat64(r.UpdateBytesTotal.WithLabelValues(Sent)); got != 70 {
		t.Errorf("sent bytes = %v, want 70", got)
	}
}

func TestRecordHandshake(t *testing.T) {
	r := NewRegistry()
	r.RecordHandshake("ds", "ok")
	r.RecordHandshake("ds", "generation_id_mismatch")
	r.RecordHandshake("ds", "ok")

	if got := testutil.ToFloat64(r.HandshakesTotal.WithLabelValues("ds", "ok")); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
}

func TestChangelogMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordAppend("stored", time.Millisecond)
	r.RecordAppend("duplicate", time.Millisecond)
	r.RecordPurge("domain", 3)
	r.RecordPurge("domain", 0)
	r.SetChangeNumbers(4, 9)

	if got := testutil.ToFloat64(r.ChangelogPurgedTotal.WithLabelValues("domain")); got != 3 {
		t.Errorf("purged = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.LastChangeNumber); got != 9 {
		t.Errorf("last change number = %v", got)
	}
	if got := testutil.CollectAndCount(r.ChangelogAppendDuration); got != 1 {
		t.Errorf("histogram series = %d", got)
	}
}

func TestForgetDomain(t *testing.T) {
	r := NewRegistry()
	r.SetBacklog("dc=a", 5)
	r.SetBacklog("dc=b", 1)
	r.SetGenerationID("dc=a", 42)
	r.ForgetDomain("dc=a")

	if got := testutil.CollectAndCount(r.QueueBacklog); got != 1 {
		t.Errorf("backlog series = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(r.DomainGenerationID); got != 0 {
		t.Errorf("generation series = %d, want 0", got)
	}
}

func TestExposition(t *testing.T) {
	r := NewRegistry()
	r.ReconnectPassesTotal.Inc()
	r.UpdateSystemMetrics()

	expected := `
# HELP changelog_connect_passes_total Completed passes of the replication server connect loop
# TYPE changelog_connect_passes_total counter
changelog_connect_passes_total 1
`
	if err := testutil.GatherAndCompare(r.PrometheusRegistry(), strings.NewReader(expected), "changelog_connect_passes_total"); err != nil {
		t.Error(err)
	}
	if testutil.ToFloat64(r.GoRoutines) < 1 {
		t.Error("goroutine gauge not updated")
	}
}

func TestAppendDurationHistogram(t *testing.T) {
	r := NewRegistry()
	r.RecordAppend("stored", 2*time.Millisecond)
	r.RecordAppend("stored", 4*time.Millisecond)

	var metric dto.Metric
	if err := r.ChangelogAppendDuration.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	h := metric.GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if got := h.GetSampleSum(); got < 0.005 || got > 0.007 {
		t.Errorf("sample sum = %v, want about 0.006", got)
	}
}

func TestGatherLabels(t *testing.T) {
	r := NewRegistry()
	r.SetBacklog("dc=example,dc=com", 7)

	families, err := r.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var found *dto.MetricFamily
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "queue_backlog") {
			found = mf
		}
	}
	if found == nil {
		t.Fatal("backlog family not gathered")
	}
	if len(found.GetMetric()) != 1 {
		t.Fatalf("backlog series = %d, want 1", len(found.GetMetric()))
	}
	m := found.GetMetric()[0]
	if m.GetGauge().GetValue() != 7 {
		t.Errorf("backlog = %v, want 7", m.GetGauge().GetValue())
	}
	if l := m.GetLabel(); len(l) != 1 || l[0].GetValue() != "dc=example,dc=com" {
		t.Errorf("labels = %v", l)
	}
}
