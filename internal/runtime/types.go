// Package runtime is the boundary between wattsidecar and the multi-worker
// application runtime it rides beside (C1 in the design).
//
// It does two things and nothing else: turns the runtime's native worker
// health events into a single typed channel, and turns a handful of
// profiling/resize commands into synchronous (but suspending) calls. It
// never decides anything — that's C3/C4/C5/C6/C8's job.
package runtime

import "time"

// WorkerID identifies one execution unit of an application.
type WorkerID struct {
	ServiceID string
	Index     int
}

// ProfileType distinguishes the two kinds of profile the runtime can take.
type ProfileType string

const (
	ProfileCPU  ProfileType = "cpu"
	ProfileHeap ProfileType = "heap"
)

// HealthSample is one tick of per-worker health data emitted by the runtime.
type HealthSample struct {
	WorkerID      WorkerID
	ServiceID     string
	ELU           float64 // event-loop utilization, in [0,1]
	HeapUsedBytes uint64
	HeapTotalBytes uint64
	Timestamp     time.Time

	// HealthSignals carries extra named values the runtime attaches to the
	// richer health-metrics event (scaler v2 only). Keys are signal names
	// other than "elu"/"heap"; values are forwarded verbatim by C5.
	HealthSignals map[string]float64
}

// ProfilingState mirrors the three-state cycle a Profiler drives the
// runtime's worker through.
type ProfilingState string

const (
	ProfilingIdle     ProfilingState = "idle"
	ProfilingRunning  ProfilingState = "running"
	ProfilingStopping ProfilingState = "stopping"
)

// ProfileArtifact is the opaque bytes produced by one profiling session.
type ProfileArtifact struct {
	ServiceID         string
	ProfileType       ProfileType
	Bytes             []byte
	SourceTimestamp   time.Time
}

// ResourceUpdate is one entry of updateApplicationsResources.
type ResourceUpdate struct {
	ApplicationID string
	WorkerCount   int
}
