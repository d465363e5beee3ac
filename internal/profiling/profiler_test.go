package profiling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

type fakeRT struct {
	started  bool
	stopped  bool
	artifact runtime.ProfileArtifact
	getErr   error
}

func (f *fakeRT) StartProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType, durationMillis int64, sourceMaps bool) error {
	f.started = true
	return nil
}
func (f *fakeRT) StopProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) error {
	f.stopped = true
	return nil
}
func (f *fakeRT) GetLastProfile(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) (runtime.ProfileArtifact, error) {
	return f.artifact, f.getErr
}

type fakeSink struct {
	calls []struct {
		serviceID string
		matched   []Request
		produced  bool
	}
}

func (f *fakeSink) Deliver(ctx context.Context, serviceID string, profileType runtime.ProfileType, artifact runtime.ProfileArtifact, matched []Request, produced bool) {
	f.calls = append(f.calls, struct {
		serviceID string
		matched   []Request
		produced  bool
	}{serviceID, matched, produced})
}

func newTestProfiler(rt RuntimeClient, sink Sink) *Profiler {
	return NewProfiler("svc", runtime.ProfileCPU, runtime.WorkerID{ServiceID: "svc", Index: 0}, time.Hour, rt, sink, nil, zap.NewNop())
}

func TestProfilerRequestStartsProfilingFromIdle(t *testing.T) {
	rt := &fakeRT{}
	p := newTestProfiler(rt, &fakeSink{})

	p.RequestProfile(context.Background(), "alert1", time.Now())

	if !rt.started {
		t.Fatal("RequestProfile() from idle did not start profiling")
	}
	if p.State() != runtime.ProfilingRunning {
		t.Fatalf("State() = %v, want running", p.State())
	}
}

func TestProfilerProduceDeliversMatchedRequests(t *testing.T) {
	t0 := time.Now()
	rt := &fakeRT{artifact: runtime.ProfileArtifact{ServiceID: "svc", SourceTimestamp: t0.Add(time.Second)}}
	sink := &fakeSink{}
	p := newTestProfiler(rt, sink)

	p.RequestProfile(context.Background(), "alert1", t0)
	p.produce(context.Background())

	if len(sink.calls) != 1 {
		t.Fatalf("Deliver called %d times, want 1", len(sink.calls))
	}
	call := sink.calls[0]
	if !call.produced || len(call.matched) != 1 || call.matched[0].AlertID != "alert1" {
		t.Fatalf("Deliver call = %+v, want produced=true matched=[alert1]", call)
	}
}

func TestProfilerProduceFailureRequeuesPendingRequests(t *testing.T) {
	rt := &fakeRT{getErr: errors.New("profile unavailable")}
	sink := &fakeSink{}
	p := newTestProfiler(rt, sink)

	p.RequestProfile(context.Background(), "alert1", time.Now())
	p.produce(context.Background())

	if len(sink.calls) != 0 {
		t.Fatalf("Deliver called %d times on a failed produce, want 0", len(sink.calls))
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending = %d after a failed produce, want 1 (request requeued)", pending)
	}
}

func TestProfilerProduceRetriesNoProfileAvailableThenGivesUp(t *testing.T) {
	rt := &fakeRT{getErr: &runtime.Error{Code: runtime.CodeNoProfileAvailable, Op: "GetLastProfile"}}
	sink := &fakeSink{}
	p := NewProfiler("svc", runtime.ProfileCPU, runtime.WorkerID{ServiceID: "svc", Index: 0}, 4*time.Second, rt, sink, nil, zap.NewNop())

	p.RequestProfile(context.Background(), "alert1", time.Now())

	max := maxProfileAttempts(p.duration)
	for i := 0; i < max; i++ {
		p.produce(context.Background())
		if len(sink.calls) != 0 {
			t.Fatalf("Deliver called after %d attempts, want no delivery until the retry budget is exhausted", i+1)
		}
	}

	p.produce(context.Background()) // exceeds the budget: gives up

	if len(sink.calls) != 1 {
		t.Fatalf("Deliver called %d times after the retry budget ran out, want 1", len(sink.calls))
	}
	call := sink.calls[0]
	if call.produced {
		t.Fatal("Deliver call.produced = true, want false (profile never became available)")
	}
	if len(call.matched) != 1 || call.matched[0].AlertID != "alert1" {
		t.Fatalf("Deliver call.matched = %+v, want [alert1]", call.matched)
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d after giving up, want 0", pending)
	}
}

func TestProfilerProduceNotEnoughELUGivesUpImmediately(t *testing.T) {
	rt := &fakeRT{getErr: &runtime.Error{Code: runtime.CodeNotEnoughELU, Op: "GetLastProfile"}}
	sink := &fakeSink{}
	p := newTestProfiler(rt, sink)

	p.RequestProfile(context.Background(), "alert1", time.Now())
	p.produce(context.Background())

	if len(sink.calls) != 1 {
		t.Fatalf("Deliver called %d times, want 1 (immediate failure, no retry)", len(sink.calls))
	}
	if sink.calls[0].produced {
		t.Fatal("Deliver call.produced = true, want false")
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d after NOT_ENOUGH_ELU, want 0", pending)
	}
}

type raceRT struct {
	mu       sync.Mutex
	started  int
	stopped  bool
	artifact runtime.ProfileArtifact
	onStop   func()
}

func (f *raceRT) StartProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType, durationMillis int64, sourceMaps bool) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}
func (f *raceRT) StopProfiling(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) error {
	if f.onStop != nil {
		f.onStop()
	}
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}
func (f *raceRT) GetLastProfile(ctx context.Context, id runtime.WorkerID, pt runtime.ProfileType) (runtime.ProfileArtifact, error) {
	return f.artifact, nil
}

func TestProfilerStopReArmsWhenRequestArrivesDuringStopRPC(t *testing.T) {
	t0 := time.Now()
	rt := &raceRT{artifact: runtime.ProfileArtifact{ServiceID: "svc", SourceTimestamp: t0.Add(time.Second)}}
	sink := &fakeSink{}
	p := newTestProfiler(rt, sink)

	p.RequestProfile(context.Background(), "alert1", t0)
	p.produce(context.Background()) // matches and clears pending, schedules stop()

	rt.onStop = func() {
		p.RequestProfile(context.Background(), "late", time.Now())
	}

	p.stop(context.Background())

	if p.State() != runtime.ProfilingRunning {
		t.Fatalf("State() = %v after a request arrived mid-stop, want running (re-armed)", p.State())
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending = %d after re-arming, want 1 (the late request)", pending)
	}
	rt.mu.Lock()
	started := rt.started
	rt.mu.Unlock()
	if started != 2 {
		t.Fatalf("StartProfiling called %d times, want 2 (initial + re-arm)", started)
	}
}

func TestProfilerRequestDuringIdleWaitReArmsProduction(t *testing.T) {
	t0 := time.Now()
	rt := &fakeRT{artifact: runtime.ProfileArtifact{ServiceID: "svc", SourceTimestamp: t0.Add(time.Second)}}
	sink := &fakeSink{}
	p := newTestProfiler(rt, sink)

	p.RequestProfile(context.Background(), "alert1", t0)
	p.produce(context.Background()) // matches, pending empty, arms idleStop

	p.mu.Lock()
	if p.idleStop == nil {
		p.mu.Unlock()
		t.Fatal("idleStop was not armed after a production cycle with no pending requests")
	}
	p.mu.Unlock()

	p.RequestProfile(context.Background(), "alert2", time.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleStop != nil {
		t.Fatal("idleStop still armed after a new request arrived, want cancelled")
	}
	if p.produceAt == nil {
		t.Fatal("produceAt was not re-armed after a request arrived during the idle-stop wait")
	}
	if len(p.pending) != 1 || p.pending[0].AlertID != "alert2" {
		t.Fatalf("pending = %+v, want [alert2]", p.pending)
	}
}

func TestProfilerCoalescesRequestsWhileRunning(t *testing.T) {
	rt := &fakeRT{}
	p := newTestProfiler(rt, &fakeSink{})

	p.RequestProfile(context.Background(), "alert1", time.Now())
	p.RequestProfile(context.Background(), "alert2", time.Now())

	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 2 {
		t.Fatalf("pending = %d, want 2 (second request coalesced into the running session)", pending)
	}
}

func TestProfilerForceStopStopsAndClearsPending(t *testing.T) {
	rt := &fakeRT{}
	p := newTestProfiler(rt, &fakeSink{})

	p.RequestProfile(context.Background(), "alert1", time.Now())
	p.ForceStop(context.Background())

	if !rt.stopped {
		t.Fatal("ForceStop() did not call StopProfiling")
	}
	if p.State() != runtime.ProfilingIdle {
		t.Fatalf("State() = %v after ForceStop, want idle", p.State())
	}
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d after ForceStop, want 0", pending)
	}
}

func TestProfilerForceStopOnIdleIsNoop(t *testing.T) {
	rt := &fakeRT{}
	p := newTestProfiler(rt, &fakeSink{})

	p.ForceStop(context.Background())

	if rt.stopped {
		t.Fatal("ForceStop() on an already-idle profiler called StopProfiling, want no-op")
	}
}
