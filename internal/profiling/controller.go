package profiling

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

// RuntimeLister is the subset of the C1 adapter the controller needs
// beyond what an individual Profiler needs, to watch for worker failover.
type RuntimeLister interface {
	ListWorkers(ctx context.Context) (map[string][]runtime.WorkerID, error)
}

type key struct {
	serviceID   string
	profileType runtime.ProfileType
}

type pauseReq struct {
	expiresAt time.Time
}

// Controller is the C6 manager: it owns every live Profiler, the pause
// registry, and the periodic profiler-state report to ICC.
type Controller struct {
	rt      interface {
		RuntimeClient
		RuntimeLister
	}
	icc     *iccclient.Client
	cfg     *config.Store
	metrics *observability.Metrics
	log     *zap.Logger
	podID   string

	mu        sync.Mutex
	profilers map[key]*Profiler
	paused    map[string]pauseReq
}

// NewController builds a Controller.
func NewController(rt interface {
	RuntimeClient
	RuntimeLister
}, icc *iccclient.Client, cfg *config.Store, metrics *observability.Metrics, log *zap.Logger) *Controller {
	return &Controller{
		rt:        rt,
		icc:       icc,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
		podID:     cfg.Load().PodID,
		profilers: make(map[key]*Profiler),
		paused:    make(map[string]pauseReq),
	}
}

// RequestProfile implements health.ProfileRequester and is also called
// directly by C7 (trigger-flamegraph/trigger-heapprofile) and C8.
func (c *Controller) RequestProfile(ctx context.Context, serviceID, profileType, alertID string, timestamp time.Time) {
	c.requestProfile(ctx, serviceID, profileType, alertID, timestamp, nil)
}

// requestProfile is RequestProfile's implementation. known, when non-nil,
// is a worker map the caller already fetched (RequestAllServices' single
// broadcast ListWorkers call) so a fresh profiler doesn't re-fetch it.
func (c *Controller) requestProfile(ctx context.Context, serviceID, profileType, alertID string, timestamp time.Time, known map[string][]runtime.WorkerID) {
	pt := runtime.ProfileType(profileType)

	c.mu.Lock()
	if pr, ok := c.paused[serviceID]; ok && time.Now().Before(pr.expiresAt) {
		c.mu.Unlock()
		c.log.Info("profile request dropped, service is paused",
			zap.String("service_id", serviceID), zap.String("alert_id", alertID))
		if c.metrics != nil {
			c.metrics.AlertsDroppedPausedTotal.Inc()
		}
		return
	}
	p, ok := c.profilers[key{serviceID, pt}]
	c.mu.Unlock()

	if !ok {
		var worker runtime.WorkerID
		if known != nil {
			worker = firstLiveOrFallback(known[serviceID], serviceID)
		} else {
			worker = c.defaultWorker(ctx, serviceID)
		}

		c.mu.Lock()
		// Re-check both conditions: the unlocked worker lookup above gave
		// a pause or a concurrent creator time to land first.
		if pr, ok := c.paused[serviceID]; ok && time.Now().Before(pr.expiresAt) {
			c.mu.Unlock()
			c.log.Info("profile request dropped, service is paused",
				zap.String("service_id", serviceID), zap.String("alert_id", alertID))
			if c.metrics != nil {
				c.metrics.AlertsDroppedPausedTotal.Inc()
			}
			return
		}
		p, ok = c.profilers[key{serviceID, pt}]
		if !ok {
			snap := c.cfg.Load()
			p = NewProfiler(serviceID, pt, worker, snap.FlamegraphsDuration, c.rt, c, c.metrics, c.log)
			c.profilers[key{serviceID, pt}] = p
			if c.metrics != nil {
				c.metrics.ProfilersActive.Inc()
			}
		}
		c.mu.Unlock()
	}

	p.RequestProfile(ctx, alertID, timestamp)
}

// defaultWorker picks §4.6's "worker 0 of the service": the first entry
// of the service's current live worker list, not a literal Index: 0.
// Falls back to a synthetic {serviceID, 0} only when the live list can't
// be obtained or is empty, so a brand new profiler still has a target.
func (c *Controller) defaultWorker(ctx context.Context, serviceID string) runtime.WorkerID {
	workers, err := c.rt.ListWorkers(ctx)
	if err != nil {
		c.log.Warn("list workers for new profiler target failed, defaulting to index 0",
			zap.String("service_id", serviceID), zap.Error(err))
		return runtime.WorkerID{ServiceID: serviceID, Index: 0}
	}
	return firstLiveOrFallback(workers[serviceID], serviceID)
}

func firstLiveOrFallback(live []runtime.WorkerID, serviceID string) runtime.WorkerID {
	if len(live) == 0 {
		return runtime.WorkerID{ServiceID: serviceID, Index: 0}
	}
	return live[0]
}

// RequestAllServices fans a trigger out to every known service for C7's
// trigger-flamegraph / trigger-heapprofile frames.
func (c *Controller) RequestAllServices(ctx context.Context, profileType string) {
	workers, err := c.rt.ListWorkers(ctx)
	if err != nil {
		c.log.Warn("list workers for broadcast profile request failed", zap.Error(err))
		return
	}
	for serviceID := range workers {
		c.requestProfile(ctx, serviceID, profileType, "", time.Now(), workers)
	}
}

// PauseProfiling implements §4.6's pauseProfiling: stop every active
// profiler for serviceID and reject requestProfile calls for timeout.
func (c *Controller) PauseProfiling(ctx context.Context, serviceID string, timeout time.Duration) {
	c.mu.Lock()
	c.paused[serviceID] = pauseReq{expiresAt: time.Now().Add(timeout)}
	var toStop []*Profiler
	for k, p := range c.profilers {
		if k.serviceID == serviceID {
			toStop = append(toStop, p)
		}
	}
	c.mu.Unlock()

	for _, p := range toStop {
		p.ForceStop(ctx)
	}
}

// Deliver implements Sink: it uploads the produced profile (or, if none
// was produced, logs and drops the matched requests) per §4.6's sink
// contract.
func (c *Controller) Deliver(ctx context.Context, serviceID string, profileType runtime.ProfileType, artifact runtime.ProfileArtifact, matched []Request, produced bool) {
	if !produced {
		c.log.Warn("profile requests expired with no profile produced",
			zap.String("service_id", serviceID), zap.Int("count", len(matched)))
		return
	}

	var alertIDs []string
	for _, r := range matched {
		if r.AlertID != "" {
			alertIDs = append(alertIDs, r.AlertID)
		}
	}
	if len(alertIDs) == 0 {
		return
	}
	if c.icc == nil {
		return // standalone mode: no network I/O (§6)
	}

	initial := alertIDs[0]
	rest := alertIDs[1:]

	flamegraphID, err := c.icc.UploadFlamegraph(ctx, c.podID, serviceID, string(profileType), initial, artifact.Bytes)
	if err != nil {
		c.log.Error("upload flamegraph failed", zap.String("service_id", serviceID), zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.ProfileUploadsTotal.Inc()
	}
	if len(rest) == 0 {
		return
	}

	if err := c.icc.AttachAlerts(ctx, flamegraphID, rest); err != nil {
		if err == iccclient.ErrMultipleAlertsNotSupported {
			if c.metrics != nil {
				c.metrics.ProfileAttachFallbacksTotal.Inc()
			}
			for _, alertID := range rest {
				if _, err := c.icc.UploadFlamegraph(ctx, c.podID, serviceID, string(profileType), alertID, artifact.Bytes); err != nil {
					c.log.Error("per-alert flamegraph re-upload failed",
						zap.String("service_id", serviceID), zap.String("alert_id", alertID), zap.Error(err))
				}
			}
			return
		}
		c.log.Warn("attach alerts failed", zap.String("service_id", serviceID), zap.Error(err))
	}
}

// CheckFailover implements the worker-0 failover rule: if the runtime
// reports a profiler's target worker is gone, that profiler is stopped
// and removed; the next RequestProfile for that key creates a fresh one
// targeting whichever worker then sits first in the live list.
func (c *Controller) CheckFailover(ctx context.Context) {
	workers, err := c.rt.ListWorkers(ctx)
	if err != nil {
		c.log.Warn("list workers for failover check failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	var stale []struct {
		k key
		p *Profiler
	}
	for k, p := range c.profilers {
		live := workers[k.serviceID]
		if !workerPresent(live, p.Worker()) {
			stale = append(stale, struct {
				k key
				p *Profiler
			}{k, p})
		}
	}
	for _, s := range stale {
		delete(c.profilers, s.k)
	}
	if c.metrics != nil {
		c.metrics.ProfilersActive.Sub(float64(len(stale)))
	}
	c.mu.Unlock()

	for _, s := range stale {
		s.p.ForceStop(ctx)
		live := workers[s.k.serviceID]
		if len(live) == 0 {
			continue
		}
		c.log.Info("profiler worker failover", zap.String("service_id", s.k.serviceID),
			zap.Int("new_worker", live[0].Index))
	}
}

func workerPresent(live []runtime.WorkerID, w runtime.WorkerID) bool {
	for _, l := range live {
		if l == w {
			return true
		}
	}
	return false
}

// ReportStates runs every statesRefreshInterval, posting each active
// profiler's state to ICC (§6).
func (c *Controller) ReportStates(ctx context.Context) {
	if c.icc == nil {
		return // standalone mode: no network I/O (§6)
	}
	snap := c.cfg.Load()

	c.mu.Lock()
	states := make([]iccclient.ProfilerState, 0, len(c.profilers))
	for k, p := range c.profilers {
		states = append(states, iccclient.ProfilerState{
			ServiceID:   k.serviceID,
			ProfileType: string(k.profileType),
			State:       string(p.State()),
		})
	}
	c.mu.Unlock()

	if len(states) == 0 {
		return
	}

	req := iccclient.StatesRequest{
		ApplicationID: snap.ApplicationID,
		PodID:         c.podID,
		ExpiresIn:     10 * time.Second,
		States:        states,
	}
	if err := c.icc.PostFlamegraphStates(ctx, req); err != nil {
		c.log.Warn("post flamegraph states failed", zap.Error(err))
	}
}

// Shutdown best-effort stops every live profiler, per §5's teardown order
// (the agent calls this after the control channel has been closed).
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	profilers := make([]*Profiler, 0, len(c.profilers))
	for _, p := range c.profilers {
		profilers = append(profilers, p)
	}
	c.profilers = make(map[key]*Profiler)
	if c.metrics != nil {
		c.metrics.ProfilersActive.Sub(float64(len(profilers)))
	}
	c.mu.Unlock()

	for _, p := range profilers {
		p.ForceStop(ctx)
	}
}
