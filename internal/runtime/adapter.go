package runtime

import "context"

// Source is implemented by the actual runtime integration (the part of the
// sidecar's host process that talks to the application runtime's native
// API). wattsidecar never imports a concrete runtime SDK directly — every
// control loop depends only on this interface, and cmd/wattsim supplies a
// synthetic implementation for local testing.
type Source interface {
	// Events streams HealthSamples in arrival order until ctx is cancelled,
	// then closes the returned channel. Samples must be delivered in the
	// order C3/C5/C8 are required to observe them.
	Events(ctx context.Context) (<-chan HealthSample, error)

	// StartProfiling begins a CPU or heap profiling session on the worker.
	StartProfiling(ctx context.Context, id WorkerID, profileType ProfileType, durationMillis int64, sourceMaps bool) error

	// StopProfiling ends a profiling session. Returns a *Error with
	// CodeProfilingNotStarted if none was running.
	StopProfiling(ctx context.Context, id WorkerID, profileType ProfileType) error

	// GetLastProfile returns the most recently produced profile for the
	// worker. Returns a *Error with CodeNoProfileAvailable or
	// CodeNotEnoughELU when no usable profile exists yet.
	GetLastProfile(ctx context.Context, id WorkerID, profileType ProfileType) (ProfileArtifact, error)

	// GetProfilingState returns the runtime's view of a worker's profiling
	// state machine.
	GetProfilingState(ctx context.Context, id WorkerID, profileType ProfileType) (ProfilingState, error)

	// ListWorkers returns the live worker set, keyed by serviceID.
	ListWorkers(ctx context.Context) (map[string][]WorkerID, error)

	// UpdateApplicationsResources changes per-application worker counts.
	UpdateApplicationsResources(ctx context.Context, updates []ResourceUpdate) error
}
