// Package main — cmd/wattsim/main.go
//
// wattsim is a synthetic runtime.Source: it drives the agent with
// waveform-generated ELU and heap readings instead of a real application
// runtime, so the rest of wattsidecar can be exercised without one.
//
// Waveforms (selected with -waveform):
//   ramp     linear ramp from 0 to 1 and back, period -period-sec
//   step     alternates between -step-low and -step-high every half period
//   sawtooth linear ramp from 0 to 1, resetting at the end of each period
//
// Usage:
//
//	wattsim -config /etc/wattsidecar/config.yaml -workers 3 -waveform ramp
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/agent"
	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/observability"
	"github.com/wattsidecar/wattsidecar/internal/runtime"
)

func main() {
	configPath := flag.String("config", "/etc/wattsidecar/config.yaml", "Path to config.yaml")
	serviceID := flag.String("service", "demo-service", "Service ID to simulate")
	workers := flag.Int("workers", 2, "Initial worker count")
	waveform := flag.String("waveform", "ramp", "ELU waveform: ramp, step, sawtooth")
	periodSec := flag.Int("period-sec", 60, "Waveform period, in seconds")
	stepLow := flag.Float64("step-low", 0.1, "step waveform: low ELU value")
	stepHigh := flag.Float64("step-high", 0.95, "step waveform: high ELU value")
	tickMillis := flag.Int64("tick-millis", 250, "Health sample interval")
	heapTotalMiB := flag.Float64("heap-total-mib", 512, "Simulated heap total, in MiB")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("wattsim starting",
		zap.String("service_id", *serviceID),
		zap.Int("workers", *workers),
		zap.String("waveform", *waveform),
		zap.Int("period_sec", *periodSec),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.New()
	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	src := newSimSource(*serviceID, *workers, waveformFunc(*waveform, *periodSec, *stepLow, *stepHigh),
		time.Duration(*tickMillis)*time.Millisecond, *heapTotalMiB, log)

	ag := agent.New(*cfg, src, metrics, log)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ag.Run(ctx) }()
	log.Info("wattsim running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			log.Error("agent run failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	ag.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()
	<-runErrCh

	log.Info("wattsim shutdown complete")
}

// waveformFunc returns a function mapping elapsed time to an ELU value in
// [0, 1] for the named waveform.
func waveformFunc(name string, periodSec int, stepLow, stepHigh float64) func(elapsed time.Duration) float64 {
	period := time.Duration(periodSec) * time.Second
	if period <= 0 {
		period = time.Minute
	}

	switch name {
	case "step":
		return func(elapsed time.Duration) float64 {
			phase := elapsed % period
			if phase < period/2 {
				return stepLow
			}
			return stepHigh
		}
	case "sawtooth":
		return func(elapsed time.Duration) float64 {
			phase := float64(elapsed%period) / float64(period)
			return phase
		}
	case "ramp":
		fallthrough
	default:
		return func(elapsed time.Duration) float64 {
			phase := float64(elapsed%period) / float64(period)
			// Triangle wave: 0 -> 1 over the first half, 1 -> 0 over the second.
			if phase < 0.5 {
				return phase * 2
			}
			return 2 - phase*2
		}
	}
}

// simSource is a synthetic runtime.Source. It holds one service with a
// resizable worker pool and emits HealthSamples on a fixed tick, shaped by
// a configurable waveform plus light per-worker jitter.
type simSource struct {
	serviceID    string
	wave         func(elapsed time.Duration) float64
	tick         time.Duration
	heapTotal    uint64
	startedAt    time.Time
	log          *zap.Logger

	mu         sync.Mutex
	workers    []runtime.WorkerID
	profiling  map[runtime.WorkerID]map[runtime.ProfileType]runtime.ProfilingState
	lastProfile map[runtime.WorkerID]map[runtime.ProfileType]runtime.ProfileArtifact
}

func newSimSource(serviceID string, workerCount int, wave func(time.Duration) float64, tick time.Duration, heapTotalMiB float64, log *zap.Logger) *simSource {
	s := &simSource{
		serviceID:   serviceID,
		wave:        wave,
		tick:        tick,
		heapTotal:   uint64(heapTotalMiB * 1024 * 1024),
		log:         log,
		profiling:   make(map[runtime.WorkerID]map[runtime.ProfileType]runtime.ProfilingState),
		lastProfile: make(map[runtime.WorkerID]map[runtime.ProfileType]runtime.ProfileArtifact),
	}
	for i := 0; i < workerCount; i++ {
		s.workers = append(s.workers, runtime.WorkerID{ServiceID: serviceID, Index: i})
	}
	return s
}

func (s *simSource) Events(ctx context.Context) (<-chan runtime.HealthSample, error) {
	s.startedAt = time.Now()
	ch := make(chan runtime.HealthSample)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, sample := range s.sampleAll(now) {
					select {
					case ch <- sample:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (s *simSource) sampleAll(now time.Time) []runtime.HealthSample {
	s.mu.Lock()
	workers := append([]runtime.WorkerID(nil), s.workers...)
	s.mu.Unlock()

	elapsed := now.Sub(s.startedAt)
	base := s.wave(elapsed)

	samples := make([]runtime.HealthSample, 0, len(workers))
	for _, w := range workers {
		jitter := 0.02 * math.Sin(float64(w.Index)+elapsed.Seconds())
		elu := clamp01(base + jitter)
		heapUsed := uint64(elu * float64(s.heapTotal))

		samples = append(samples, runtime.HealthSample{
			WorkerID:       w,
			ServiceID:      s.serviceID,
			ELU:            elu,
			HeapUsedBytes:  heapUsed,
			HeapTotalBytes: s.heapTotal,
			Timestamp:      now,
		})
	}
	return samples
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *simSource) StartProfiling(ctx context.Context, id runtime.WorkerID, profileType runtime.ProfileType, durationMillis int64, sourceMaps bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiling[id] == nil {
		s.profiling[id] = make(map[runtime.ProfileType]runtime.ProfilingState)
	}
	s.profiling[id][profileType] = runtime.ProfilingRunning

	go func(started time.Time) {
		time.Sleep(time.Duration(durationMillis) * time.Millisecond)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.profiling[id] == nil {
			return
		}
		s.profiling[id][profileType] = runtime.ProfilingIdle
		if s.lastProfile[id] == nil {
			s.lastProfile[id] = make(map[runtime.ProfileType]runtime.ProfileArtifact)
		}
		s.lastProfile[id][profileType] = runtime.ProfileArtifact{
			ServiceID:       id.ServiceID,
			ProfileType:     profileType,
			Bytes:           []byte(fmt.Sprintf("simulated %s profile for %s:%d", profileType, id.ServiceID, id.Index)),
			SourceTimestamp: started,
		}
	}(time.Now())

	return nil
}

func (s *simSource) StopProfiling(ctx context.Context, id runtime.WorkerID, profileType runtime.ProfileType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.profiling[id]
	if states == nil || states[profileType] == "" || states[profileType] == runtime.ProfilingIdle {
		return &runtime.Error{Code: runtime.CodeProfilingNotStarted, Op: "StopProfiling"}
	}
	states[profileType] = runtime.ProfilingIdle
	return nil
}

func (s *simSource) GetLastProfile(ctx context.Context, id runtime.WorkerID, profileType runtime.ProfileType) (runtime.ProfileArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.lastProfile[id]
	if artifacts == nil {
		return runtime.ProfileArtifact{}, &runtime.Error{Code: runtime.CodeNoProfileAvailable, Op: "GetLastProfile"}
	}
	artifact, ok := artifacts[profileType]
	if !ok {
		return runtime.ProfileArtifact{}, &runtime.Error{Code: runtime.CodeNoProfileAvailable, Op: "GetLastProfile"}
	}
	return artifact, nil
}

func (s *simSource) GetProfilingState(ctx context.Context, id runtime.WorkerID, profileType runtime.ProfileType) (runtime.ProfilingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.profiling[id]
	if states == nil {
		return runtime.ProfilingIdle, nil
	}
	if st, ok := states[profileType]; ok {
		return st, nil
	}
	return runtime.ProfilingIdle, nil
}

func (s *simSource) ListWorkers(ctx context.Context) (map[string][]runtime.WorkerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string][]runtime.WorkerID{
		s.serviceID: append([]runtime.WorkerID(nil), s.workers...),
	}, nil
}

// UpdateApplicationsResources resizes the simulated worker pool to match
// the requested count, so scale-up/scale-down decisions are visible in
// the next tick's ListWorkers / HealthSample set.
func (s *simSource) UpdateApplicationsResources(ctx context.Context, updates []runtime.ResourceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if u.ApplicationID != s.serviceID {
			continue
		}
		switch {
		case u.WorkerCount > len(s.workers):
			for i := len(s.workers); i < u.WorkerCount; i++ {
				s.workers = append(s.workers, runtime.WorkerID{ServiceID: s.serviceID, Index: i})
			}
		case u.WorkerCount < len(s.workers) && u.WorkerCount >= 1:
			s.workers = s.workers[:u.WorkerCount]
		}
		s.log.Info("simulated resize applied", zap.String("service_id", s.serviceID), zap.Int("worker_count", len(s.workers)))
	}
	return nil
}
