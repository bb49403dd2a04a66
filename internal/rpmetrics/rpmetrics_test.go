package rpmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSessionLifecycleGauge(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionStarted()
	c.SessionStarted()
	if v := getGaugeValue(c.sessionsActive); v != 2 {
		t.Errorf("sessionsActive = %v, want 2", v)
	}

	c.SessionEnded("closed")
	if v := getGaugeValue(c.sessionsActive); v != 1 {
		t.Errorf("sessionsActive after end = %v, want 1", v)
	}
	if v := getCounterValue(c.sessionsTotal.WithLabelValues("closed")); v != 1 {
		t.Errorf("sessionsTotal{closed} = %v, want 1", v)
	}
}

func TestPoolGauge(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolOpened()
	c.PoolOpened()
	c.PoolClosed()
	if v := getGaugeValue(c.poolsOpen); v != 1 {
		t.Errorf("poolsOpen = %v, want 1", v)
	}
}

func TestPoolCreateError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolCreateError("badsize")
	c.PoolCreateError("badsize")
	c.PoolCreateError("exists")

	if v := getCounterValue(c.poolCreateErrors.WithLabelValues("badsize")); v != 2 {
		t.Errorf("poolCreateErrors{badsize} = %v, want 2", v)
	}
	if v := getCounterValue(c.poolCreateErrors.WithLabelValues("exists")); v != 1 {
		t.Errorf("poolCreateErrors{exists} = %v, want 1", v)
	}
}

func TestOBCRequestCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.OBCRequestCompleted("create", 5*time.Millisecond)
	c.OBCRequestCompleted("create", 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "rpmemd_obc_request_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %+v", m)
			}
		}
	}
	if !found {
		t.Error("obc request duration metric not found")
	}
}

func TestFabricGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.FabricLanesGranted(4)
	if v := getGaugeValue(c.fabricLanesGranted); v != 4 {
		t.Errorf("fabricLanesGranted = %v, want 4", v)
	}

	c.FabricBytesWritten(128)
	c.FabricBytesWritten(256)
	if v := getCounterValue(c.fabricBytesWritten); v != 384 {
		t.Errorf("fabricBytesWritten = %v, want 384", v)
	}
}

func TestPersistCompleted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PersistCompleted("gpspm", time.Millisecond, nil)
	c.PersistCompleted("gpspm", time.Millisecond, nil)
	c.PersistCompleted("gpspm", time.Millisecond, errTestPersist)

	if v := getCounterValue(c.persistTotal.WithLabelValues("gpspm", "ok")); v != 2 {
		t.Errorf("persistTotal{gpspm,ok} = %v, want 2", v)
	}
	if v := getCounterValue(c.persistTotal.WithLabelValues("gpspm", "error")); v != 1 {
		t.Errorf("persistTotal{gpspm,error} = %v, want 1", v)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	c.SessionStarted()
	c.SessionEnded("closed")
	c.PoolOpened()
	c.PoolClosed()
	c.PoolCreateError("exists")
	c.OBCRequestCompleted("create", time.Millisecond)
	c.OBCRequestError("open")
	c.FabricLanesGranted(4)
	c.FabricBytesWritten(128)
	c.PersistCompleted("gpspm", time.Millisecond, nil)
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.SessionStarted()
	c2.SessionStarted()
	c2.SessionStarted()

	if v := getGaugeValue(c1.sessionsActive); v != 1 {
		t.Errorf("c1 sessionsActive = %v, want 1", v)
	}
	if v := getGaugeValue(c2.sessionsActive); v != 2 {
		t.Errorf("c2 sessionsActive = %v, want 2", v)
	}
}

var errTestPersist = &testPersistErr{}

type testPersistErr struct{}

func (*testPersistErr) Error() string { return "simulated persist failure" }
