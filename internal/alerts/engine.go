// Package alerts implements C8, the Alert Engine: detects unhealthy
// samples, rate-limits alerts per service, posts them to ICC, and
// requests a CPU flamegraph for each one via C6.
package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/iccclient"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

// maxHeapUsedRatio is the heapUsed/heapTotal ratio above which a richer
// health-metrics sample is considered unhealthy, mirroring the 0.85 ELU
// threshold this codebase uses elsewhere for the same purpose.
const maxHeapUsedRatio = 0.85

// eluUnhealthyThreshold is the plain (non-richer-event) ELU unhealthy cut.
const eluUnhealthyThreshold = 0.85

// Profiler is the subset of C6 the engine requests flamegraphs from.
type Profiler interface {
	RequestProfile(ctx context.Context, serviceID, profileType, alertID string, timestamp time.Time)
	PauseProfiling(ctx context.Context, serviceID string, timeout time.Duration)
}

type cacheEntry struct {
	sample runtime.HealthSample
}

// Engine is the C8 component. It is a no-op unless the current config
// Snapshot has scaler.version == "v1".
type Engine struct {
	cfg     *config.Store
	icc     *iccclient.Client
	profile Profiler
	metrics *observability.Metrics
	log     *zap.Logger

	mu          sync.Mutex
	healthCache map[string][]cacheEntry // serviceID -> samples newer than podHealthWindow
	workerStart map[runtime.WorkerID]time.Time
	lastAlertAt map[string]time.Time
}

// NewEngine builds an Engine.
func NewEngine(cfg *config.Store, icc *iccclient.Client, profile Profiler, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		icc:         icc,
		profile:     profile,
		metrics:     metrics,
		log:         log,
		healthCache: make(map[string][]cacheEntry),
		workerStart: make(map[runtime.WorkerID]time.Time),
		lastAlertAt: make(map[string]time.Time),
	}
}

// Observe ingests one HealthSample: updates the rolling cache, applies
// the grace period, synthesizes unhealthy for richer-metrics samples, and
// posts an alert if the retention window allows it.
func (e *Engine) Observe(ctx context.Context, sample runtime.HealthSample) {
	snap := e.cfg.Load()
	if snap.ScalerVersion != "v1" {
		return
	}

	e.mu.Lock()
	if _, seen := e.workerStart[sample.WorkerID]; !seen {
		e.workerStart[sample.WorkerID] = sample.Timestamp
	}
	started := e.workerStart[sample.WorkerID]

	cache := append(e.healthCache[sample.ServiceID], cacheEntry{sample: sample})
	cache = evictCache(cache, sample.Timestamp, snap.AlertsPodHealthWindow)
	e.healthCache[sample.ServiceID] = cache
	history := historySnapshots(cache)
	e.mu.Unlock()

	if sample.Timestamp.Before(started.Add(snap.AlertsGracePeriod)) {
		return
	}

	unhealthy := sample.ELU > eluUnhealthyThreshold
	if sample.HealthSignals != nil && sample.HeapTotalBytes > 0 {
		ratio := float64(sample.HeapUsedBytes) / float64(sample.HeapTotalBytes)
		unhealthy = sample.ELU > eluUnhealthyThreshold || ratio > maxHeapUsedRatio
	}
	if !unhealthy {
		return
	}

	e.mu.Lock()
	last, ok := e.lastAlertAt[sample.ServiceID]
	if ok && sample.Timestamp.Sub(last) < snap.AlertsAlertRetentionWindow {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.AlertsRateLimitedTotal.Inc()
		}
		return
	}
	e.lastAlertAt[sample.ServiceID] = sample.Timestamp
	e.mu.Unlock()

	e.postAlert(ctx, snap, sample, history)

	if sample.ELU >= snap.FlamegraphsPauseELUThreshold {
		e.profile.PauseProfiling(ctx, sample.ServiceID, snap.FlamegraphsPauseTimeout)
	}
}

func evictCache(cache []cacheEntry, now time.Time, window time.Duration) []cacheEntry {
	cutoff := now.Add(-window)
	i := 0
	for i < len(cache) && cache[i].sample.Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return cache
	}
	return append([]cacheEntry(nil), cache[i:]...)
}

func historySnapshots(cache []cacheEntry) []iccclient.HealthSnapshot {
	history := make([]iccclient.HealthSnapshot, len(cache))
	for i, c := range cache {
		history[i] = iccclient.HealthSnapshot{
			ELU:             c.sample.ELU,
			HeapUsedBytes:   c.sample.HeapUsedBytes,
			HeapTotalBytes:  c.sample.HeapTotalBytes,
			TimestampMillis: c.sample.Timestamp.UnixMilli(),
		}
	}
	return history
}

func (e *Engine) postAlert(ctx context.Context, snap config.Snapshot, sample runtime.HealthSample, history []iccclient.HealthSnapshot) {
	if e.icc == nil {
		return // standalone mode: no network I/O (§6)
	}

	req := iccclient.AlertRequest{
		ApplicationID: snap.ApplicationID,
		Alert: iccclient.AlertPayload{
			Application: snap.ApplicationID,
			Service:     sample.ServiceID,
			CurrentHealth: iccclient.HealthSnapshot{
				ELU:             sample.ELU,
				HeapUsedBytes:   sample.HeapUsedBytes,
				HeapTotalBytes:  sample.HeapTotalBytes,
				TimestampMillis: sample.Timestamp.UnixMilli(),
			},
			Unhealthy:       true,
			TimestampMillis: sample.Timestamp.UnixMilli(),
		},
		HealthHistory: history,
	}

	resp, err := e.icc.PostAlert(ctx, req)
	if err != nil {
		e.log.Error("post alert failed", zap.String("service_id", sample.ServiceID), zap.Error(err))
		return
	}
	if e.metrics != nil {
		e.metrics.AlertsPostedTotal.Inc()
	}
	if resp.ID == "" {
		return
	}
	e.profile.RequestProfile(ctx, sample.ServiceID, "cpu", resp.ID, sample.Timestamp)
}
