package profiling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/iccclient"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

type noAuth struct{}

func (noAuth) AuthHeader(ctx context.Context) (string, error) { return "", nil }

type fakeRTLister struct {
	mu      sync.Mutex
	started map[runtime.WorkerID]bool
	stopped map[runtime.WorkerID]bool
	workers map[string][]runtime.WorkerID
	listErr error
}

func newFakeRTLister() *fakeRTLister {
	return &fakeRTLister{
		started: make(map[runtime.WorkerID]bool),
		stopped: make(map[runtime.WorkerID]bool),
		workers: make(map[string][]runtime.WorkerID),
	}
}

func (f *fakeRTLister) StartProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType, durationMillis int64, sourceMaps bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = true
	return nil
}
func (f *fakeRTLister) StopProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[id] = true
	return nil
}
func (f *fakeRTLister) GetLastProfile(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) (runtime.ProfileArtifact, error) {
	return runtime.ProfileArtifact{}, &runtime.Error{Code: runtime.CodeNoProfileAvailable, Op: "GetLastProfile"}
}
func (f *fakeRTLister) ListWorkers(ctx context.Context) (map[string][]runtime.WorkerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string][]runtime.WorkerID, len(f.workers))
	for k, v := range f.workers {
		out[k] = v
	}
	return out, nil
}

func testControllerStore(t *testing.T) *config.Store {
	t.Helper()
	return config.NewStore(config.Defaults())
}

func TestControllerRequestProfileCreatesOneProfilerPerKey(t *testing.T) {
	rt := newFakeRTLister()
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())
	c.RequestProfile(context.Background(), "svc", "cpu", "a2", time.Now())

	c.mu.Lock()
	n := len(c.profilers)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("profilers = %d, want 1 (second request coalesces into the same profiler)", n)
	}
}

func TestControllerPauseProfilingDropsRequests(t *testing.T) {
	rt := newFakeRTLister()
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())
	c.PauseProfiling(context.Background(), "svc", time.Minute)
	c.RequestProfile(context.Background(), "svc", "cpu", "a2", time.Now())

	c.mu.Lock()
	p, ok := c.profilers[key{"svc", runtime.ProfileCPU}]
	c.mu.Unlock()
	if !ok {
		t.Fatal("profiler for svc/cpu was removed, want it to still exist (just paused)")
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d after a request during the pause window, want 0 (dropped)", pending)
	}
}

func TestControllerCheckFailoverStopsStaleProfilerAndLogsNewWorker(t *testing.T) {
	rt := newFakeRTLister()
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())
	// Runtime now reports a different worker index for svc: worker 0 is gone.
	rt.workers["svc"] = []runtime.WorkerID{{ServiceID: "svc", Index: 1}}

	c.CheckFailover(context.Background())

	c.mu.Lock()
	_, stillPresent := c.profilers[key{"svc", runtime.ProfileCPU}]
	c.mu.Unlock()
	if stillPresent {
		t.Fatal("stale profiler for the gone worker was not removed")
	}
	rt.mu.Lock()
	stopped := rt.stopped[runtime.WorkerID{ServiceID: "svc", Index: 0}]
	rt.mu.Unlock()
	if !stopped {
		t.Fatal("CheckFailover did not stop the profiler targeting the gone worker")
	}
}

func TestControllerRequestProfileTargetsFirstLiveWorker(t *testing.T) {
	rt := newFakeRTLister()
	rt.workers["svc"] = []runtime.WorkerID{{ServiceID: "svc", Index: 2}, {ServiceID: "svc", Index: 3}}
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())

	c.mu.Lock()
	p, ok := c.profilers[key{"svc", runtime.ProfileCPU}]
	c.mu.Unlock()
	if !ok {
		t.Fatal("profiler was not created")
	}
	if got, want := p.Worker(), (runtime.WorkerID{ServiceID: "svc", Index: 2}); got != want {
		t.Fatalf("Worker() = %+v, want the first live worker %+v", got, want)
	}
}

func TestControllerFailoverRetargetsNextProfilerToNewLiveWorker(t *testing.T) {
	rt := newFakeRTLister()
	rt.workers["svc"] = []runtime.WorkerID{{ServiceID: "svc", Index: 0}}
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())

	// Worker 0 fails over: only worker 1 remains live.
	rt.workers["svc"] = []runtime.WorkerID{{ServiceID: "svc", Index: 1}}
	c.CheckFailover(context.Background())

	c.RequestProfile(context.Background(), "svc", "cpu", "a2", time.Now())

	c.mu.Lock()
	p, ok := c.profilers[key{"svc", runtime.ProfileCPU}]
	c.mu.Unlock()
	if !ok {
		t.Fatal("profiler was not recreated after failover")
	}
	if got, want := p.Worker(), (runtime.WorkerID{ServiceID: "svc", Index: 1}); got != want {
		t.Fatalf("Worker() = %+v after failover, want the new live worker %+v", got, want)
	}
}

type hookListWorkers struct {
	*fakeRTLister
	onListWorkers func()
}

func (h *hookListWorkers) ListWorkers(ctx context.Context) (map[string][]runtime.WorkerID, error) {
	if h.onListWorkers != nil {
		h.onListWorkers()
	}
	return h.fakeRTLister.ListWorkers(ctx)
}

func TestControllerRequestProfileRechecksPauseAfterWorkerLookup(t *testing.T) {
	rt := &hookListWorkers{fakeRTLister: newFakeRTLister()}
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())
	rt.onListWorkers = func() {
		c.PauseProfiling(context.Background(), "svc", time.Minute)
	}

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())

	c.mu.Lock()
	_, ok := c.profilers[key{"svc", runtime.ProfileCPU}]
	c.mu.Unlock()
	if ok {
		t.Fatal("profiler was created even though a pause landed while its worker lookup was in flight")
	}
}

func TestControllerRequestProfileIncrementsPausedDropMetric(t *testing.T) {
	rt := newFakeRTLister()
	metrics := observability.New()
	c := NewController(rt, nil, testControllerStore(t), metrics, zap.NewNop())

	c.RequestProfile(context.Background(), "svc", "cpu", "a1", time.Now())
	c.PauseProfiling(context.Background(), "svc", time.Minute)
	c.RequestProfile(context.Background(), "svc", "cpu", "a2", time.Now())

	if got := testutil.ToFloat64(metrics.AlertsDroppedPausedTotal); got != 1 {
		t.Fatalf("AlertsDroppedPausedTotal = %v, want 1", got)
	}
}

func TestControllerDeliverUploadsAndAttachesAlerts(t *testing.T) {
	var gotPaths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"fg-1"}`))
	}))
	defer srv.Close()

	icc := iccclient.New(srv.URL, noAuth{}, nil, zap.NewNop())
	rt := newFakeRTLister()
	c := NewController(rt, icc, testControllerStore(t), nil, zap.NewNop())

	reqs := []Request{{AlertID: "a1"}, {AlertID: "a2"}}
	c.Deliver(context.Background(), "svc", runtime.ProfileCPU, runtime.ProfileArtifact{Bytes: []byte("x")}, reqs, true)

	mu.Lock()
	defer mu.Unlock()
	if len(gotPaths) == 0 {
		t.Fatal("Deliver() did not call UploadFlamegraph")
	}
	if len(gotPaths) != 2 || gotPaths[1] != "/flamegraphs/fg-1/alerts" {
		t.Fatalf("gotPaths = %v, want an upload followed by /flamegraphs/fg-1/alerts", gotPaths)
	}
}

func TestControllerDeliverSkipsNetworkInStandaloneMode(t *testing.T) {
	rt := newFakeRTLister()
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	// icc is nil: must not panic.
	c.Deliver(context.Background(), "svc", runtime.ProfileCPU, runtime.ProfileArtifact{Bytes: []byte("x")}, []Request{{AlertID: "a1"}}, true)
}

func TestControllerShutdownStopsEveryProfiler(t *testing.T) {
	rt := newFakeRTLister()
	c := NewController(rt, nil, testControllerStore(t), nil, zap.NewNop())

	c.RequestProfile(context.Background(), "svc-a", "cpu", "a1", time.Now())
	c.RequestProfile(context.Background(), "svc-b", "heap", "a2", time.Now())

	c.Shutdown(context.Background())

	c.mu.Lock()
	n := len(c.profilers)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("profilers = %d after Shutdown, want 0", n)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.stopped) != 2 {
		t.Fatalf("stopped workers = %d, want 2", len(rt.stopped))
	}
}
