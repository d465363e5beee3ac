package scaling

import (
	"testing"
	"time"

	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

func sample(service string, idx int, elu float64, at time.Time) runtime.HealthSample {
	return runtime.HealthSample{
		WorkerID:  runtime.WorkerID{ServiceID: service, Index: idx},
		ServiceID: service,
		ELU:       elu,
		Timestamp: at,
	}
}

func TestWindowSnapshotAveragesAcrossWorkers(t *testing.T) {
	w := NewWindow(time.Minute)
	now := time.Now()

	w.Insert(sample("svc", 0, 0.2, now))
	w.Insert(sample("svc", 0, 0.4, now))
	w.Insert(sample("svc", 1, 0.9, now))

	apps := w.Snapshot(map[string]int{"svc": 2})
	if len(apps) != 1 {
		t.Fatalf("len(apps) = %d, want 1", len(apps))
	}
	// worker 0 mean: 0.3, worker 1 mean: 0.9 -> app mean: 0.6
	if got, want := apps[0].ELU, 0.6; got != want {
		t.Fatalf("ELU = %v, want %v", got, want)
	}
	if apps[0].WorkerCount != 2 {
		t.Fatalf("WorkerCount = %d, want 2", apps[0].WorkerCount)
	}
}

func TestWindowSnapshotZeroForUnseenApp(t *testing.T) {
	w := NewWindow(time.Minute)
	apps := w.Snapshot(map[string]int{"never-seen": 3})
	if len(apps) != 1 || apps[0].ELU != 0 {
		t.Fatalf("apps = %+v, want ELU 0 for an app with no samples", apps)
	}
}

func TestWindowEvictsStaleEntries(t *testing.T) {
	w := NewWindow(50 * time.Millisecond)
	now := time.Now()

	w.Insert(sample("svc", 0, 0.9, now))
	time.Sleep(80 * time.Millisecond)

	apps := w.Snapshot(map[string]int{"svc": 1})
	if apps[0].ELU != 0 {
		t.Fatalf("ELU = %v, want 0 after the only sample aged out of the window", apps[0].ELU)
	}
}

func TestWindowSetTimeWindowAppliesToFutureReads(t *testing.T) {
	w := NewWindow(time.Millisecond)
	now := time.Now()
	w.Insert(sample("svc", 0, 0.5, now))

	w.SetTimeWindow(time.Hour)
	time.Sleep(5 * time.Millisecond)

	apps := w.Snapshot(map[string]int{"svc": 1})
	if apps[0].ELU != 0.5 {
		t.Fatalf("ELU = %v, want 0.5 (widened window should retain the sample)", apps[0].ELU)
	}
}

func TestRound2(t *testing.T) {
	cases := map[float64]float64{
		0.123456: 0.12,
		0.125:    0.13,
		0.0:      0.0,
		0.999:    1.0,
	}
	for in, want := range cases {
		if got := round2(in); got != want {
			t.Errorf("round2(%v) = %v, want %v", in, got, want)
		}
	}
}
