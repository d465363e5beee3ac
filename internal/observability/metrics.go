// Package observability — metrics.go
//
// Prometheus metrics for the wattsidecar agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9090 (configurable).
// Format: Prometheus text exposition format.
// Bind: loopback only — no external exposure.
//
// Metric naming convention: wattsidecar_<component>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries sharing the process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor wattsidecar exposes.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Runtime adapter (C1) ──────────────────────────────────────────────

	RuntimeEventsProcessedTotal prometheus.Counter
	RuntimeEventsDroppedTotal   prometheus.Counter

	// ─── Scaling (C3/C4) ────────────────────────────────────────────────────

	ScalingRecommendationsTotal *prometheus.CounterVec // direction=up|down
	ScalingAppliesTotal         prometheus.Counter
	ScalingCooldownSkipsTotal   prometheus.Counter

	// ─── Health batcher (C5) ────────────────────────────────────────────────

	HealthBatchFlushesTotal *prometheus.CounterVec // kind=short|long
	HealthBufferDropsTotal  prometheus.Counter

	// ─── Profiling (C6) ─────────────────────────────────────────────────────

	ProfilerStateTransitionsTotal *prometheus.CounterVec // from, to
	ProfileUploadsTotal           prometheus.Counter
	ProfileAttachFallbacksTotal   prometheus.Counter
	ProfilersActive               prometheus.Gauge

	// ─── Control channel (C7) ───────────────────────────────────────────────

	ControlChannelReconnectsTotal prometheus.Counter
	ControlChannelConnected       prometheus.Gauge

	// ─── Alert engine (C8) ──────────────────────────────────────────────────

	AlertsPostedTotal        prometheus.Counter
	AlertsRateLimitedTotal   prometheus.Counter
	AlertsDroppedPausedTotal prometheus.Counter // visibility for the Open Question in §9
}

// New creates and registers every metric on a fresh Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		RuntimeEventsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_runtime_events_processed_total",
			Help: "Health samples consumed from the runtime adapter.",
		}),
		RuntimeEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_runtime_events_dropped_total",
			Help: "Health samples dropped because the intake queue was full.",
		}),

		ScalingRecommendationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattsidecar_scaling_recommendations_total",
			Help: "Scale recommendations produced, by direction.",
		}, []string{"direction"}),
		ScalingAppliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_scaling_applies_total",
			Help: "Scaling decisions applied through the runtime adapter.",
		}),
		ScalingCooldownSkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_scaling_cooldown_skips_total",
			Help: "checkForScaling calls skipped due to an active cooldown.",
		}),

		HealthBatchFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattsidecar_health_batch_flushes_total",
			Help: "Signal batches flushed to the scaler, by timeout kind.",
		}, []string{"kind"}),
		HealthBufferDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_health_buffer_drops_total",
			Help: "Signal entries dropped because a ring buffer was at capacity.",
		}),

		ProfilerStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattsidecar_profiler_state_transitions_total",
			Help: "Profiler state machine transitions.",
		}, []string{"from", "to"}),
		ProfileUploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_profile_uploads_total",
			Help: "Profiles uploaded to ICC.",
		}),
		ProfileAttachFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_profile_attach_fallbacks_total",
			Help: "Times the attach endpoint was unavailable and per-alert re-upload was used instead.",
		}),
		ProfilersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wattsidecar_profilers_active",
			Help: "Profiler instances currently idle, running, or stopping.",
		}),

		ControlChannelReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_control_channel_reconnects_total",
			Help: "Control-channel reconnect attempts.",
		}),
		ControlChannelConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wattsidecar_control_channel_connected",
			Help: "1 if subscribed to ICC's control channel, else 0.",
		}),

		AlertsPostedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_alerts_posted_total",
			Help: "Alerts posted to ICC.",
		}),
		AlertsRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_alerts_rate_limited_total",
			Help: "Unhealthy samples that did not produce an alert due to alertRetentionWindow.",
		}),
		AlertsDroppedPausedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wattsidecar_alerts_dropped_paused_total",
			Help: "requestProfile calls dropped because the service's profiler was paused.",
		}),
	}

	reg.MustRegister(
		m.RuntimeEventsProcessedTotal, m.RuntimeEventsDroppedTotal,
		m.ScalingRecommendationsTotal, m.ScalingAppliesTotal, m.ScalingCooldownSkipsTotal,
		m.HealthBatchFlushesTotal, m.HealthBufferDropsTotal,
		m.ProfilerStateTransitionsTotal, m.ProfileUploadsTotal, m.ProfileAttachFallbacksTotal, m.ProfilersActive,
		m.ControlChannelReconnectsTotal, m.ControlChannelConnected,
		m.AlertsPostedTotal, m.AlertsRateLimitedTotal, m.AlertsDroppedPausedTotal,
	)

	return m
}

// Serve starts the /metrics HTTP server and blocks until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
