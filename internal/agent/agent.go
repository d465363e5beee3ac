// Package agent wires C1–C8 and A1–A3 into the single top-level value
// the process owns, and drives its deterministic start/stop order.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/admin"
	"github.com/wattsidecar/wattsidecar/internal/alerts"
	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/control"
	"github.com/wattsidecar/wattsidecar/internal/health"
	"github.com/wattsidecar/wattsidecar/internal/iccclient"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/profiling"
	"github.com/wattsidecar/wattsidecar/internal/ratelimit"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
	"github.com/wattsidecar/wattsidecar/internal/scaling"
)

// Agent is the single "global module state" value: it owns every
// component's lifetime and exposes Run/Shutdown.
type Agent struct {
	cfg     *config.Store
	metrics *observability.Metrics
	log     *zap.Logger

	runtimeAdapter *runtime.Adapter
	iccClient      *iccclient.Client
	limiter        *ratelimit.Bucket

	scalingController *scaling.Controller
	healthBatcher     *health.Batcher
	profilingCtrl     *profiling.Controller
	controlChannel    *control.Channel
	alertEngine       *alerts.Engine

	adminServer *admin.Server
}

// New wires every component together from a loaded config and a Source
// implementation (the real runtime integration, or cmd/wattsim's
// synthetic one).
func New(static config.StaticConfig, src runtime.Source, metrics *observability.Metrics, log *zap.Logger) *Agent {
	store := config.NewStore(static)
	snap := store.Load()

	a := &Agent{cfg: store, metrics: metrics, log: log}
	a.runtimeAdapter = runtime.NewAdapter(src, metrics, log, static.Runtime.EventQueueSize)

	if !snap.Standalone() {
		a.limiter = ratelimit.New(100, 60*time.Second)
		a.iccClient = iccclient.New(snap.ICCURL, iccclient.StaticAuth{Token: static.ICC.AuthToken}, a.limiter, log)
	}

	a.scalingController = scaling.NewController(a.runtimeAdapter, store, metrics, log)
	a.profilingCtrl = profiling.NewController(a.runtimeAdapter, a.iccClient, store, metrics, log)
	a.healthBatcher = health.NewBatcher(store, a.iccClient, metrics, a.profilingCtrl, log)
	a.alertEngine = alerts.NewEngine(store, a.iccClient, a.profilingCtrl, metrics, log)

	if !snap.Standalone() {
		a.controlChannel = control.New(store, iccclient.StaticAuth{Token: static.ICC.AuthToken}, a.profilingCtrl, configApplier{store}, metrics, log)
	}

	a.adminServer = admin.New(static.Admin.ListenAddr, log)

	return a
}

type configApplier struct{ store *config.Store }

func (c configApplier) Update(d config.DynamicConfig) config.Snapshot { return c.store.Update(d) }

// Run starts every control loop and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	events, err := a.runtimeAdapter.Run(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatchHealthSamples(ctx, events)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runScalingTicker(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runHealthBatcherTicker(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runProfilingMaintenance(ctx)
	}()

	if a.controlChannel != nil {
		a.adminServer.SetServing(admin.ServiceControlChannel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.controlChannel.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.adminServer.Run(ctx); err != nil {
			a.log.Error("admin server error", zap.Error(err))
		}
	}()

	a.adminServer.SetServing(admin.ServiceScaling)
	a.adminServer.SetServing(admin.ServiceProfiling)

	<-ctx.Done()
	wg.Wait()
	return nil
}

// dispatchHealthSamples fans out C1's event stream to C3/C4 (via the
// scaling controller), C5, and C8 in arrival order (§5's ordering
// guarantee — each consumer sees the same order since this is the only
// reader of the channel).
func (a *Agent) dispatchHealthSamples(ctx context.Context, events <-chan runtime.HealthSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-events:
			if !ok {
				return
			}
			if a.metrics != nil {
				a.metrics.RuntimeEventsProcessedTotal.Inc()
			}
			a.scalingController.Observe(ctx, sample)
			a.healthBatcher.Observe(sample)
			a.alertEngine.Observe(ctx, sample)
		}
	}
}

func (a *Agent) runScalingTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scalingController.Tick(ctx)
		}
	}
}

func (a *Agent) runHealthBatcherTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.healthBatcher.Tick(ctx)
		}
	}
}

func (a *Agent) runProfilingMaintenance(ctx context.Context) {
	failoverTicker := time.NewTicker(time.Second)
	statesTicker := time.NewTicker(10 * time.Second)
	defer failoverTicker.Stop()
	defer statesTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-failoverTicker.C:
			a.profilingCtrl.CheckFailover(ctx)
		case <-statesTicker.C:
			a.profilingCtrl.ReportStates(ctx)
		}
	}
}

// Shutdown tears components down in the order §5 requires: the control
// channel first (suppressing reconnect), then every profiler
// (best-effort stop), then the runtime adapter's intake is left to close
// via ctx cancellation in Run.
func (a *Agent) Shutdown(ctx context.Context) {
	if a.controlChannel != nil {
		a.controlChannel.Close()
	}
	a.profilingCtrl.Shutdown(ctx)
	if a.limiter != nil {
		a.limiter.Close()
	}
}
