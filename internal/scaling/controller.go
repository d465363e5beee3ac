package scaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

// RuntimeClient is the subset of the C1 Runtime Adapter the controller
// needs: the current worker set and the means to apply a resize.
type RuntimeClient interface {
	ListWorkers(ctx context.Context) (map[string][]runtime.WorkerID, error)
	UpdateApplicationsResources(ctx context.Context, updates []runtime.ResourceUpdate) error
}

// Controller is the C4 Scaling Controller: it feeds C1 health events into
// a Window, periodically runs the C3 algorithm, and applies the result
// through the runtime adapter under a cooldown.
type Controller struct {
	window  *Window
	runtime RuntimeClient
	cfg     *config.Store
	metrics *observability.Metrics
	log     *zap.Logger

	mu          sync.Mutex
	isScaling   bool
	lastApplied time.Time
}

// NewController builds a Controller.
func NewController(rt RuntimeClient, cfg *config.Store, metrics *observability.Metrics, log *zap.Logger) *Controller {
	snap := cfg.Load()
	return &Controller{
		window:  NewWindow(snap.TimeWindow),
		runtime: rt,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
}

// Observe feeds one HealthSample into the rolling window and, if the
// sample looks hot, prompts an immediate scaling check. unhealthy here
// just means "above the configured scale-up threshold" — it is C3's own
// candidate-selection signal, not C8's alert semantics.
func (c *Controller) Observe(ctx context.Context, sample runtime.HealthSample) {
	snap := c.cfg.Load()
	c.window.SetTimeWindow(snap.TimeWindow)
	c.window.Insert(sample)

	if sample.ELU > snap.ScaleUpELU {
		c.checkForScaling(ctx, snap)
	}
}

// Tick runs a periodic scaling check regardless of whether a hot sample
// was just observed, so scale-down opportunities are not missed while
// every app stays under the scale-up threshold.
func (c *Controller) Tick(ctx context.Context) {
	c.checkForScaling(ctx, c.cfg.Load())
}

// checkForScaling is guarded by isScaling (serializes decisions per §5 —
// "further unhealthy events do not schedule another while one is in
// flight") and by cooldown (no apply while now < lastApplied + cooldown).
func (c *Controller) checkForScaling(ctx context.Context, snap config.Snapshot) {
	c.mu.Lock()
	if c.isScaling {
		c.mu.Unlock()
		return
	}
	if time.Now().Before(c.lastApplied.Add(snap.Cooldown)) {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ScalingCooldownSkipsTotal.Inc()
		}
		return
	}
	c.isScaling = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isScaling = false
		c.mu.Unlock()
	}()

	workers, err := c.runtime.ListWorkers(ctx)
	if err != nil {
		c.log.Warn("list workers failed, skipping scaling cycle", zap.Error(err))
		return
	}

	counts := make(map[string]int, len(workers))
	for appID, ws := range workers {
		counts[appID] = len(ws)
	}
	if len(counts) == 0 {
		return
	}

	apps := c.window.Snapshot(counts)
	recs := Recommend(apps, Thresholds{
		MaxWorkers:   snap.MaxWorkers,
		ScaleUpELU:   snap.ScaleUpELU,
		ScaleDownELU: snap.ScaleDownELU,
		MinELUDiff:   snap.MinELUDiff,
	})
	if len(recs) == 0 {
		return
	}

	updates := make([]runtime.ResourceUpdate, len(recs))
	for i, r := range recs {
		updates[i] = runtime.ResourceUpdate{ApplicationID: r.ApplicationID, WorkerCount: r.TargetWorkerCount}
		if c.metrics != nil {
			c.metrics.ScalingRecommendationsTotal.WithLabelValues(string(r.Direction)).Inc()
		}
	}

	applyErr := c.runtime.UpdateApplicationsResources(ctx, updates)

	// lastApplied is set even on failure — the cooldown exists to prevent
	// tight oscillation, not to guarantee eventual success (§4.4).
	c.mu.Lock()
	c.lastApplied = time.Now()
	c.mu.Unlock()

	if applyErr != nil {
		c.log.Error("apply scaling recommendations failed", zap.Error(applyErr))
		return
	}
	if c.metrics != nil {
		c.metrics.ScalingAppliesTotal.Inc()
	}
	c.log.Info("applied scaling recommendations", zap.Int("count", len(recs)))
}
