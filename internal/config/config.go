// Package config provides static process configuration and the typed
// dynamic configuration pushed from ICC, merged into one immutable
// Snapshot every control loop reads.
//
// Configuration file: /etc/wattsidecar/config.yaml (default)
// Schema version: 1
//
// Static vs dynamic (per the Design Notes — "dynamic configuration
// objects from ICC become a typed configuration record with optional
// fields; unknown keys are ignored"):
//   - StaticConfig is read once at startup from config.yaml. Destructive
//     settings live here (bind addresses, queue sizes, the initial ICC
//     URL) — changing them requires a restart.
//   - DynamicConfig arrives over the control channel as a
//     "config-updated" frame (§4.7) and carries every key in spec §6's
//     configuration table as an optional (pointer) field. A present
//     field overrides the corresponding Snapshot value; an absent field
//     leaves the previous value in place. Unknown keys are dropped
//     silently by JSON/YAML unmarshalling into this typed struct.
//
// Validation:
//   - Required static fields must be present; invalid static config is
//     fatal at startup.
//   - A config-updated frame whose data does not decode is logged and
//     dropped, leaving the previous Snapshot in place — the agent never
//     crashes on a bad config-updated frame. Decoded values are applied
//     as-is; Store.Update performs no range checks.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// StaticConfig is the root YAML-loaded configuration structure.
type StaticConfig struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// PodID identifies this sidecar's pod to ICC. Default: hostname.
	PodID string `yaml:"pod_id"`

	// RuntimeID identifies the application runtime instance to ICC.
	RuntimeID string `yaml:"runtime_id"`

	// ApplicationID is the application this sidecar rides beside; used to
	// build the control-channel URL.
	ApplicationID string `yaml:"application_id"`

	// ICC holds the initial transport settings for the ICC client and
	// control channel. icc.url absent puts the process in standalone mode
	// (§6): no network I/O is initiated, local decision loops still run.
	ICC ICCConfig `yaml:"icc"`

	// Runtime configures the C1 event intake.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Admin configures the loopback gRPC health surface.
	Admin AdminConfig `yaml:"admin"`

	// Defaults seeds the Snapshot merged with any later DynamicConfig.
	Defaults DynamicDefaults `yaml:"defaults"`
}

// ICCConfig holds the initial ICC transport settings.
type ICCConfig struct {
	// URL is ICC's base URL, e.g. "https://icc.example.internal". Empty
	// means standalone mode.
	URL string `yaml:"url"`

	// ReconnectIntervalMillis is the control channel's initial reconnect
	// delay. Default: 5000.
	ReconnectIntervalMillis int64 `yaml:"reconnect_interval_millis"`

	// AuthToken is a static bearer token sent as "Authorization: Bearer
	// <token>" on every ICC call. The external auth provider that issues
	// short-lived tokens is out of scope (§1) — this is the minimal
	// AuthProvider every ICC call still requires.
	AuthToken string `yaml:"auth_token"`
}

// RuntimeConfig holds C1 event intake settings.
type RuntimeConfig struct {
	// EventQueueSize is the bounded intake channel depth. Default: 10000.
	EventQueueSize int `yaml:"event_queue_size"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9090.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// AdminConfig holds the loopback gRPC health-surface settings.
type AdminConfig struct {
	// ListenAddr is the gRPC bind address. Default: 127.0.0.1:9191.
	ListenAddr string `yaml:"listen_addr"`
}

// DynamicDefaults seeds every field spec §6's configuration table
// recognizes, before any config-updated frame has arrived.
type DynamicDefaults struct {
	ScalerVersion                 string        `yaml:"scaler_version"`
	MaxWorkers                    int           `yaml:"max_workers"`
	ScaleUpELU                    float64       `yaml:"scale_up_elu"`
	ScaleDownELU                  float64       `yaml:"scale_down_elu"`
	MinELUDiff                    float64       `yaml:"min_elu_diff"`
	TimeWindowSec                 int           `yaml:"time_window_sec"`
	CooldownSec                   int           `yaml:"cooldown_sec"`
	FlamegraphsDurationSec        int           `yaml:"flamegraphs_duration_sec"`
	FlamegraphsDisabled           bool          `yaml:"flamegraphs_disabled"`
	FlamegraphsPauseELUThreshold  float64       `yaml:"flamegraphs_pause_elu_threshold"`
	FlamegraphsPauseTimeoutMillis int64         `yaml:"flamegraphs_pause_timeout_millis"`
	HealthELUThreshold            float64       `yaml:"health_elu_threshold"`
	HealthHeapThresholdMiB        float64       `yaml:"health_heap_threshold_mib"`
	HealthBatchShortMillis        int64         `yaml:"health_batch_short_millis"`
	HealthBatchLongMillis         int64         `yaml:"health_batch_long_millis"`
	AlertsGracePeriodSec          int           `yaml:"alerts_grace_period_sec"`
	AlertsPodHealthWindowMs       int64         `yaml:"alerts_pod_health_window_ms"`
	AlertsAlertRetentionWindowMs  int64         `yaml:"alerts_alert_retention_window_ms"`
}

// DynamicConfig is the typed, optional-fields record a "config-updated"
// control-channel frame is unmarshalled into. A nil field leaves the
// Snapshot's current value untouched.
type DynamicConfig struct {
	ScalerVersion                 *string  `json:"scaler.version,omitempty"`
	MaxWorkers                    *int     `json:"maxWorkers,omitempty"`
	ScaleUpELU                    *float64 `json:"scaleUpELU,omitempty"`
	ScaleDownELU                  *float64 `json:"scaleDownELU,omitempty"`
	MinELUDiff                    *float64 `json:"minELUDiff,omitempty"`
	TimeWindowSec                 *int     `json:"timeWindowSec,omitempty"`
	CooldownSec                   *int     `json:"cooldownSec,omitempty"`
	FlamegraphsDurationSec        *int     `json:"flamegraphs.durationSec,omitempty"`
	FlamegraphsDisabled           *bool    `json:"flamegraphs.disabled,omitempty"`
	FlamegraphsPauseELUThreshold  *float64 `json:"flamegraphs.pauseEluThreshold,omitempty"`
	FlamegraphsPauseTimeoutMillis *int64   `json:"flamegraphs.pauseTimeoutMillis,omitempty"`
	HealthELUThreshold            *float64 `json:"health.eluThreshold,omitempty"`
	HealthHeapThresholdMiB        *float64 `json:"health.heapThreshold,omitempty"`
	HealthBatchShortMillis        *int64   `json:"health.batchShortMillis,omitempty"`
	HealthBatchLongMillis         *int64   `json:"health.batchLongMillis,omitempty"`
	AlertsGracePeriodSec          *int     `json:"alerts.gracePeriodSec,omitempty"`
	AlertsPodHealthWindowMs       *int64   `json:"alerts.podHealthWindowMs,omitempty"`
	AlertsAlertRetentionWindowMs  *int64   `json:"alerts.alertRetentionWindowMs,omitempty"`
	ICCURL                        *string  `json:"icc.url,omitempty"`
	ICCReconnectIntervalMillis    *int64   `json:"icc.reconnectIntervalMillis,omitempty"`
}

// Snapshot is the fully-resolved, immutable configuration view every
// control loop reads. It never mutates in place — Store.Update produces
// a new Snapshot and atomically swaps it in.
type Snapshot struct {
	PodID         string
	RuntimeID     string
	ApplicationID string

	ICCURL                  string
	ICCReconnectInterval    time.Duration

	ScalerVersion string // "v1" enables C8, "v2" enables C5

	MaxWorkers   int
	ScaleUpELU   float64
	ScaleDownELU float64
	MinELUDiff   float64
	TimeWindow   time.Duration
	Cooldown     time.Duration

	FlamegraphsDuration          time.Duration
	FlamegraphsDisabled          bool
	FlamegraphsPauseELUThreshold float64
	FlamegraphsPauseTimeout      time.Duration

	HealthELUThreshold     float64
	HealthHeapThresholdMiB float64
	HealthBatchShort       time.Duration
	HealthBatchLong        time.Duration

	AlertsGracePeriod          time.Duration
	AlertsPodHealthWindow      time.Duration
	AlertsAlertRetentionWindow time.Duration
}

// Standalone reports whether this Snapshot has no ICC to talk to. Per
// §6, absence of icc.url puts every network-facing component in
// standalone mode; local decision loops (C3/C4) still run.
func (s Snapshot) Standalone() bool { return s.ICCURL == "" }

// Store owns the live Snapshot and applies DynamicConfig updates to it.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore builds a Store seeded from a StaticConfig's defaults section.
func NewStore(static StaticConfig) *Store {
	d := static.Defaults
	snap := &Snapshot{
		PodID:         static.PodID,
		RuntimeID:     static.RuntimeID,
		ApplicationID: static.ApplicationID,

		ICCURL:               static.ICC.URL,
		ICCReconnectInterval: time.Duration(static.ICC.ReconnectIntervalMillis) * time.Millisecond,

		ScalerVersion: d.ScalerVersion,
		MaxWorkers:    d.MaxWorkers,
		ScaleUpELU:    d.ScaleUpELU,
		ScaleDownELU:  d.ScaleDownELU,
		MinELUDiff:    d.MinELUDiff,
		TimeWindow:    time.Duration(d.TimeWindowSec) * time.Second,
		Cooldown:      time.Duration(d.CooldownSec) * time.Second,

		FlamegraphsDuration:          time.Duration(d.FlamegraphsDurationSec) * time.Second,
		FlamegraphsDisabled:          d.FlamegraphsDisabled,
		FlamegraphsPauseELUThreshold: d.FlamegraphsPauseELUThreshold,
		FlamegraphsPauseTimeout:      time.Duration(d.FlamegraphsPauseTimeoutMillis) * time.Millisecond,

		HealthELUThreshold:     d.HealthELUThreshold,
		HealthHeapThresholdMiB: d.HealthHeapThresholdMiB,
		HealthBatchShort:       time.Duration(d.HealthBatchShortMillis) * time.Millisecond,
		HealthBatchLong:        time.Duration(d.HealthBatchLongMillis) * time.Millisecond,

		AlertsGracePeriod:          time.Duration(d.AlertsGracePeriodSec) * time.Second,
		AlertsPodHealthWindow:      time.Duration(d.AlertsPodHealthWindowMs) * time.Millisecond,
		AlertsAlertRetentionWindow: time.Duration(d.AlertsAlertRetentionWindowMs) * time.Millisecond,
	}
	s := &Store{}
	s.ptr.Store(snap)
	return s
}

// Load returns the current Snapshot. Safe for concurrent use; callers
// must not cache the result across a suspension point where a fresher
// config might matter (§5 — "no cached view is authoritative").
func (s *Store) Load() Snapshot { return *s.ptr.Load() }

// Update applies a DynamicConfig's present fields onto the current
// Snapshot and atomically swaps in the result. Returns the new Snapshot.
func (s *Store) Update(d DynamicConfig) Snapshot {
	cur := *s.ptr.Load()

	if d.ScalerVersion != nil {
		cur.ScalerVersion = *d.ScalerVersion
	}
	if d.MaxWorkers != nil {
		cur.MaxWorkers = *d.MaxWorkers
	}
	if d.ScaleUpELU != nil {
		cur.ScaleUpELU = *d.ScaleUpELU
	}
	if d.ScaleDownELU != nil {
		cur.ScaleDownELU = *d.ScaleDownELU
	}
	if d.MinELUDiff != nil {
		cur.MinELUDiff = *d.MinELUDiff
	}
	if d.TimeWindowSec != nil {
		cur.TimeWindow = time.Duration(*d.TimeWindowSec) * time.Second
	}
	if d.CooldownSec != nil {
		cur.Cooldown = time.Duration(*d.CooldownSec) * time.Second
	}
	if d.FlamegraphsDurationSec != nil {
		cur.FlamegraphsDuration = time.Duration(*d.FlamegraphsDurationSec) * time.Second
	}
	if d.FlamegraphsDisabled != nil {
		cur.FlamegraphsDisabled = *d.FlamegraphsDisabled
	}
	if d.FlamegraphsPauseELUThreshold != nil {
		cur.FlamegraphsPauseELUThreshold = *d.FlamegraphsPauseELUThreshold
	}
	if d.FlamegraphsPauseTimeoutMillis != nil {
		cur.FlamegraphsPauseTimeout = time.Duration(*d.FlamegraphsPauseTimeoutMillis) * time.Millisecond
	}
	if d.HealthELUThreshold != nil {
		cur.HealthELUThreshold = *d.HealthELUThreshold
	}
	if d.HealthHeapThresholdMiB != nil {
		cur.HealthHeapThresholdMiB = *d.HealthHeapThresholdMiB
	}
	if d.HealthBatchShortMillis != nil {
		cur.HealthBatchShort = time.Duration(*d.HealthBatchShortMillis) * time.Millisecond
	}
	if d.HealthBatchLongMillis != nil {
		cur.HealthBatchLong = time.Duration(*d.HealthBatchLongMillis) * time.Millisecond
	}
	if d.AlertsGracePeriodSec != nil {
		cur.AlertsGracePeriod = time.Duration(*d.AlertsGracePeriodSec) * time.Second
	}
	if d.AlertsPodHealthWindowMs != nil {
		cur.AlertsPodHealthWindow = time.Duration(*d.AlertsPodHealthWindowMs) * time.Millisecond
	}
	if d.AlertsAlertRetentionWindowMs != nil {
		cur.AlertsAlertRetentionWindow = time.Duration(*d.AlertsAlertRetentionWindowMs) * time.Millisecond
	}
	if d.ICCURL != nil {
		cur.ICCURL = *d.ICCURL
	}
	if d.ICCReconnectIntervalMillis != nil {
		cur.ICCReconnectInterval = time.Duration(*d.ICCReconnectIntervalMillis) * time.Millisecond
	}

	s.ptr.Store(&cur)
	return cur
}

// Defaults returns a StaticConfig populated with every default value.
func Defaults() StaticConfig {
	hostname, _ := os.Hostname()
	return StaticConfig{
		SchemaVersion: "1",
		PodID:         hostname,
		RuntimeID:     hostname,
		ICC: ICCConfig{
			ReconnectIntervalMillis: 5000,
		},
		Runtime: RuntimeConfig{
			EventQueueSize: 10000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:9191",
		},
		Defaults: DynamicDefaults{
			ScalerVersion:                 "v1",
			MaxWorkers:                    10,
			ScaleUpELU:                    0.8,
			ScaleDownELU:                  0.2,
			MinELUDiff:                    0.2,
			TimeWindowSec:                 60,
			CooldownSec:                   30,
			FlamegraphsDurationSec:        10,
			FlamegraphsPauseELUThreshold:  0.95,
			FlamegraphsPauseTimeoutMillis: 60000,
			HealthELUThreshold:            0.8,
			HealthHeapThresholdMiB:        512,
			HealthBatchShortMillis:        1000,
			HealthBatchLongMillis:         10000,
			AlertsGracePeriodSec:          30,
			AlertsPodHealthWindowMs:       60000,
			AlertsAlertRetentionWindowMs:  60000,
		},
	}
}

// Load reads and validates a StaticConfig from path, merged over Defaults.
func Load(path string) (*StaticConfig, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks a StaticConfig's required fields and numeric ranges.
// Returns a descriptive error listing every violation found.
func Validate(cfg *StaticConfig) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.PodID == "" {
		errs = append(errs, "pod_id must not be empty")
	}
	if cfg.Runtime.EventQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("runtime.event_queue_size must be >= 1, got %d", cfg.Runtime.EventQueueSize))
	}
	if cfg.Defaults.ScalerVersion != "v1" && cfg.Defaults.ScalerVersion != "v2" {
		errs = append(errs, fmt.Sprintf("defaults.scaler_version must be \"v1\" or \"v2\", got %q", cfg.Defaults.ScalerVersion))
	}
	if cfg.Defaults.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("defaults.max_workers must be >= 1, got %d", cfg.Defaults.MaxWorkers))
	}
	if cfg.Defaults.ScaleUpELU <= cfg.Defaults.ScaleDownELU {
		errs = append(errs, "defaults.scale_up_elu must be greater than defaults.scale_down_elu")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
