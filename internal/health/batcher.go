// Package health implements C5, the Health-Signals Batcher: it buffers
// per-(service, signal type, worker) readings and periodically flushes
// them to the scaler, forwarding any alerts it gets back to C6.
package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/iccclient"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

// maxEntriesPerSeries bounds each (service, signal type, worker) ring
// buffer; the oldest entry is dropped once it is exceeded (§3).
const maxEntriesPerSeries = 500

// ProfileRequester is the subset of C6 the batcher dispatches alerts to.
type ProfileRequester interface {
	RequestProfile(ctx context.Context, serviceID, profileType, alertID string, timestamp time.Time)
}

type entry struct {
	timestampMillis int64
	value           float64
}

type series struct {
	workers map[string][]entry
}

func newSeries() *series { return &series{workers: make(map[string][]entry)} }

// append adds e to workerID's buffer and reports whether the oldest entry
// was dropped to keep the buffer within maxEntriesPerSeries.
func (s *series) append(workerID string, e entry) bool {
	buf := append(s.workers[workerID], e)
	dropped := len(buf) > maxEntriesPerSeries
	if dropped {
		buf = buf[len(buf)-maxEntriesPerSeries:]
	}
	s.workers[workerID] = buf
	return dropped
}

// serviceBatch is one service's open batch: ELU and heap series plus any
// custom signal series, keyed by signal name.
type serviceBatch struct {
	elu    *series
	heap   *series
	custom map[string]*series
	hot    bool // saw a value above eluThreshold or heapThresholdMiB this batch
}

// Batcher is the C5 component. It is a no-op unless the current config
// Snapshot has scaler.version == "v2"; C8 (v1) and C5 (v2) are mutually
// exclusive per §4.8.
type Batcher struct {
	cfg     *config.Store
	icc     *iccclient.Client
	metrics *observability.Metrics
	log     *zap.Logger
	sink    ProfileRequester

	mu             sync.Mutex
	batches        map[string]*serviceBatch
	batchStartedAt time.Time
	open           bool
}

// NewBatcher builds a Batcher.
func NewBatcher(cfg *config.Store, icc *iccclient.Client, metrics *observability.Metrics, sink ProfileRequester, log *zap.Logger) *Batcher {
	return &Batcher{
		cfg:     cfg,
		icc:     icc,
		metrics: metrics,
		sink:    sink,
		log:     log,
		batches: make(map[string]*serviceBatch),
	}
}

// Observe records one HealthSample into the current batch, opening one if
// none is active. Only engaged when scaler.version is "v2" and the sample
// carries the richer per-worker HealthSignals map the runtime emits for
// that mode.
func (b *Batcher) Observe(sample runtime.HealthSample) {
	snap := b.cfg.Load()
	if snap.ScalerVersion != "v2" || sample.HealthSignals == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		b.batchStartedAt = sample.Timestamp
		b.open = true
	}

	batch, ok := b.batches[sample.ServiceID]
	if !ok {
		batch = &serviceBatch{elu: newSeries(), heap: newSeries(), custom: make(map[string]*series)}
		b.batches[sample.ServiceID] = batch
	}

	ts := sample.Timestamp.UnixMilli()
	workerID := fmt.Sprintf("%s:%d", sample.WorkerID.ServiceID, sample.WorkerID.Index)

	drops := 0
	if batch.elu.append(workerID, entry{timestampMillis: ts, value: sample.ELU}) {
		drops++
	}
	if sample.ELU > snap.HealthELUThreshold {
		batch.hot = true
	}

	heapMiB := math.Round(float64(sample.HeapUsedBytes) / (1024 * 1024))
	if batch.heap.append(workerID, entry{timestampMillis: ts, value: heapMiB}) {
		drops++
	}
	if heapMiB > snap.HealthHeapThresholdMiB {
		batch.hot = true
	}

	for name, value := range sample.HealthSignals {
		s, ok := batch.custom[name]
		if !ok {
			s = newSeries()
			batch.custom[name] = s
		}
		if s.append(workerID, entry{timestampMillis: ts, value: value}) {
			drops++
		}
	}
	if drops > 0 && b.metrics != nil {
		b.metrics.HealthBufferDropsTotal.Add(float64(drops))
	}
}

// Tick runs the per-second timer described in §4.5: flush if the open
// batch has aged past its timeout (short if hot, long otherwise).
func (b *Batcher) Tick(ctx context.Context) {
	snap := b.cfg.Load()
	if snap.ScalerVersion != "v2" {
		return
	}

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return
	}
	timeout := snap.HealthBatchLong
	hot := b.anyHot()
	if hot {
		timeout = snap.HealthBatchShort
	}
	if time.Since(b.batchStartedAt) < timeout {
		b.mu.Unlock()
		return
	}

	batches := b.batches
	startedAt := b.batchStartedAt
	b.batches = make(map[string]*serviceBatch)
	b.batchStartedAt = time.Now()
	b.mu.Unlock()

	kind := "long"
	if hot {
		kind = "short"
	}
	if b.metrics != nil {
		b.metrics.HealthBatchFlushesTotal.WithLabelValues(kind).Inc()
	}
	b.flush(ctx, snap, startedAt, batches)
}

func (b *Batcher) anyHot() bool {
	for _, batch := range b.batches {
		if batch.hot {
			return true
		}
	}
	return false
}

func (b *Batcher) flush(ctx context.Context, snap config.Snapshot, startedAt time.Time, batches map[string]*serviceBatch) {
	if b.icc == nil {
		return // standalone mode: no network I/O (§6)
	}

	signals := make(map[string]iccclient.ServiceSignals, len(batches))
	for serviceID, batch := range batches {
		svc := iccclient.ServiceSignals{
			ELU:  toPayload(batch.elu, snap.HealthELUThreshold, nil),
			Heap: toPayload(batch.heap, snap.HealthHeapThresholdMiB, nil),
		}
		if len(batch.custom) > 0 {
			svc.Custom = make(map[string]*iccclient.SignalTypePayload, len(batch.custom))
			for name, s := range batch.custom {
				svc.Custom[name] = toPayload(s, 0, nil)
			}
		}
		signals[serviceID] = svc
	}

	req := iccclient.SignalsRequest{
		ApplicationID:  snap.ApplicationID,
		RuntimeID:      snap.RuntimeID,
		BatchStartedAt: startedAt.UnixMilli(),
		Signals:        signals,
	}

	resp, err := b.icc.PostSignals(ctx, req)
	if err != nil {
		b.log.Warn("health signals flush failed", zap.Error(err))
		return
	}

	for _, alert := range resp.Alerts {
		b.sink.RequestProfile(ctx, alert.ServiceID, "cpu", alert.AlertID, time.Now())
	}
}

func toPayload(s *series, threshold float64, heapTotal *float64) *iccclient.SignalTypePayload {
	workers := make(map[string]iccclient.WorkerSignal, len(s.workers))
	for workerID, entries := range s.workers {
		values := make([]iccclient.SignalValue, len(entries))
		for i, e := range entries {
			values[i] = iccclient.SignalValue{TimestampMillis: e.timestampMillis, Value: e.value}
		}
		workers[workerID] = iccclient.WorkerSignal{Values: values}
	}
	return &iccclient.SignalTypePayload{Threshold: threshold, HeapTotal: heapTotal, Workers: workers}
}
