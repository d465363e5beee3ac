// events.go turns a Source's event stream into a bounded, backpressured
// queue, the same shape this codebase uses everywhere a fast producer
// feeds a slower in-process consumer.
//
// Architecture:
//
//	[Source.Events]
//	      ↓ (HealthSample)
//	[Adapter.Run goroutine]
//	      ↓ (buffered channel, cap=queueCap)
//	[control-loop consumers: C3/C4, C5, C8]
//
// Backpressure: if the in-memory channel is full, the newest sample is
// dropped and wattsidecar_runtime_events_dropped_total is incremented.
// wattsidecar never blocks the Source waiting for a slow consumer.
package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/observability"
)

// Adapter is the concrete C1 Runtime Adapter: it owns a Source and exposes
// the bounded event queue plus the synchronous commands of §4.1.
type Adapter struct {
	src     Source
	metrics *observability.Metrics
	log     *zap.Logger
	queue   chan HealthSample
}

// NewAdapter wraps src with a bounded event queue of the given capacity.
// A queueCap <= 0 falls back to 10000.
func NewAdapter(src Source, metrics *observability.Metrics, log *zap.Logger, queueCap int) *Adapter {
	if queueCap <= 0 {
		queueCap = 10000
	}
	return &Adapter{
		src:     src,
		metrics: metrics,
		log:     log,
		queue:   make(chan HealthSample, queueCap),
	}
}

// Run starts draining src.Events and returns the bounded, fan-out-ready
// channel. It returns at once; a background goroutine drains until ctx is
// cancelled or the source channel closes, then closes the returned
// channel. Every sample is received once, so a single reader goroutine
// hands each sample to every control loop in turn, which keeps all
// consumers observing the same order.
func (a *Adapter) Run(ctx context.Context) (<-chan HealthSample, error) {
	src, err := a.src.Events(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(a.queue)
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-src:
				if !ok {
					return
				}
				select {
				case a.queue <- sample:
				default:
					if a.metrics != nil {
						a.metrics.RuntimeEventsDroppedTotal.Inc()
					}
					a.log.Warn("health event dropped, queue full",
						zap.String("service_id", sample.ServiceID))
				}
			}
		}
	}()

	return a.queue, nil
}
