package runtime

import (
	"context"
)

// NoopSource is the Source used when no real runtime integration is wired
// in: it emits no HealthSamples. StartProfiling and
// UpdateApplicationsResources fail with CodeTransient, StopProfiling with
// CodeProfilingNotStarted and GetLastProfile with CodeNoProfileAvailable;
// GetProfilingState reports idle and ListWorkers an empty map.
// The actual runtime integration that talks to the application process is
// out of scope here; production deployments supply their own Source, and
// cmd/wattsim supplies a synthetic one for local testing.
type NoopSource struct{}

func (NoopSource) Events(ctx context.Context) (<-chan HealthSample, error) {
	ch := make(chan HealthSample)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (NoopSource) StartProfiling(ctx context.Context, id WorkerID, profileType ProfileType, durationMillis int64, sourceMaps bool) error {
	return &Error{Code: CodeTransient, Op: "StartProfiling", Err: errNoRuntime}
}

func (NoopSource) StopProfiling(ctx context.Context, id WorkerID, profileType ProfileType) error {
	return &Error{Code: CodeProfilingNotStarted, Op: "StopProfiling"}
}

func (NoopSource) GetLastProfile(ctx context.Context, id WorkerID, profileType ProfileType) (ProfileArtifact, error) {
	return ProfileArtifact{}, &Error{Code: CodeNoProfileAvailable, Op: "GetLastProfile"}
}

func (NoopSource) GetProfilingState(ctx context.Context, id WorkerID, profileType ProfileType) (ProfilingState, error) {
	return ProfilingIdle, nil
}

func (NoopSource) ListWorkers(ctx context.Context) (map[string][]WorkerID, error) {
	return map[string][]WorkerID{}, nil
}

func (NoopSource) UpdateApplicationsResources(ctx context.Context, updates []ResourceUpdate) error {
	return &Error{Code: CodeTransient, Op: "UpdateApplicationsResources", Err: errNoRuntime}
}

var errNoRuntime = errNoRuntimeErr("no runtime integration wired")

type errNoRuntimeErr string

func (e errNoRuntimeErr) Error() string { return string(e) }
