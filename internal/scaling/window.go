package scaling

import (
	"sync"
	"time"

	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

// eluPoint is one (elu, timestamp) reading in a worker's rolling history.
type eluPoint struct {
	elu float64
	at  time.Time
}

// Window is the C3 ScalingWindow: per application, per worker, an ordered
// list of ELU readings within the configured time window. Entries older
// than the window are discarded lazily — on insertion and on read,
// never by a separate background sweep — per §3's invariant.
type Window struct {
	mu         sync.Mutex
	timeWindow time.Duration
	byApp      map[string]map[int][]eluPoint
}

// NewWindow creates a Window with the given rolling duration.
func NewWindow(timeWindow time.Duration) *Window {
	return &Window{
		timeWindow: timeWindow,
		byApp:      make(map[string]map[int][]eluPoint),
	}
}

// SetTimeWindow updates the rolling duration (e.g. after a config-updated
// frame changes timeWindowSec). Existing entries are not retroactively
// truncated; the new duration applies from the next insert/read.
func (w *Window) SetTimeWindow(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeWindow = d
}

// Insert appends one HealthSample's ELU reading and lazily evicts stale
// entries for that worker.
func (w *Window) Insert(sample runtime.HealthSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	workers, ok := w.byApp[sample.ServiceID]
	if !ok {
		workers = make(map[int][]eluPoint)
		w.byApp[sample.ServiceID] = workers
	}

	points := append(workers[sample.WorkerID.Index], eluPoint{elu: sample.ELU, at: sample.Timestamp})
	workers[sample.WorkerID.Index] = w.evict(points, sample.Timestamp)
}

// evict drops entries older than timeWindow relative to now.
func (w *Window) evict(points []eluPoint, now time.Time) []eluPoint {
	cutoff := now.Add(-w.timeWindow)
	i := 0
	for i < len(points) && points[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return points
	}
	return append([]eluPoint(nil), points[i:]...)
}

// Snapshot computes the current AppInfo list: for every application in
// workerCounts, the mean across its workers of each worker's mean ELU
// over the time window, rounded to 2 decimals (§4.3). Applications with
// no recorded samples yet are reported with ELU 0.
func (w *Window) Snapshot(workerCounts map[string]int) []AppInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	apps := make([]AppInfo, 0, len(workerCounts))
	for appID, count := range workerCounts {
		workers := w.byApp[appID]
		var workerMeans []float64
		for workerIdx, points := range workers {
			fresh := w.evict(points, now)
			workers[workerIdx] = fresh
			if len(fresh) == 0 {
				continue
			}
			var sum float64
			for _, p := range fresh {
				sum += p.elu
			}
			workerMeans = append(workerMeans, sum/float64(len(fresh)))
		}

		var appELU float64
		if len(workerMeans) > 0 {
			var sum float64
			for _, m := range workerMeans {
				sum += m
			}
			appELU = round2(sum / float64(len(workerMeans)))
		}

		apps = append(apps, AppInfo{ApplicationID: appID, ELU: appELU, WorkerCount: count})
	}
	return apps
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
