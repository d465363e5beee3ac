package runtime

import (
	"context"

	"go.uber.org/zap"
)

// StartProfiling delegates to the Source.
func (a *Adapter) StartProfiling(ctx context.Context, id WorkerID, profileType ProfileType, durationMillis int64, sourceMaps bool) error {
	return a.src.StartProfiling(ctx, id, profileType, durationMillis, sourceMaps)
}

// StopProfiling delegates to the Source. CodeProfilingNotStarted is the
// caller's concern to swallow (done in the profiling controller during
// shutdown); this method does not filter errors.
func (a *Adapter) StopProfiling(ctx context.Context, id WorkerID, profileType ProfileType) error {
	return a.src.StopProfiling(ctx, id, profileType)
}

// GetLastProfile delegates to the Source, silencing the two known-benign
// codes to info logs per §4.1 — callers still receive the error and
// branch on its Code, only the log level is special-cased here.
func (a *Adapter) GetLastProfile(ctx context.Context, id WorkerID, profileType ProfileType) (ProfileArtifact, error) {
	artifact, err := a.src.GetLastProfile(ctx, id, profileType)
	if err != nil {
		switch {
		case IsCode(err, CodeNoProfileAvailable):
			a.log.Info("profile not ready yet",
				zap.String("service_id", id.ServiceID), zap.Int("worker", id.Index))
		case IsCode(err, CodeNotEnoughELU):
			a.log.Info("worker too idle for a usable profile",
				zap.String("service_id", id.ServiceID), zap.Int("worker", id.Index))
		default:
			a.log.Error("get last profile failed", zap.Error(err))
		}
	}
	return artifact, err
}

// GetProfilingState delegates to the Source.
func (a *Adapter) GetProfilingState(ctx context.Context, id WorkerID, profileType ProfileType) (ProfilingState, error) {
	return a.src.GetProfilingState(ctx, id, profileType)
}

// ListWorkers delegates to the Source. The result is never cached — the
// set of workers is authoritative only at the moment it's read.
func (a *Adapter) ListWorkers(ctx context.Context) (map[string][]WorkerID, error) {
	return a.src.ListWorkers(ctx)
}

// UpdateApplicationsResources delegates to the Source.
func (a *Adapter) UpdateApplicationsResources(ctx context.Context, updates []ResourceUpdate) error {
	return a.src.UpdateApplicationsResources(ctx, updates)
}
