// Package iccclient is the C2 ICC Client: authenticated HTTP calls to the
// Infrastructure Control Center. It is stateless except for a base URL —
// every request obtains a fresh authorization header, never a cached one
// (§5, "the authorization-header function must be called on each
// outbound request").
package iccclient

import "time"

// SignalValue is one (timestamp, value) tuple in a signals payload.
type SignalValue struct {
	TimestampMillis int64
	Value           float64
}

// WorkerSignal holds one worker's values for one signal type.
type WorkerSignal struct {
	Values []SignalValue
}

// SignalTypePayload is the per-signal-type body: the threshold the batcher
// evaluated against, plus every worker's values.
type SignalTypePayload struct {
	Threshold float64                 `json:"threshold,omitempty"`
	HeapTotal *float64                `json:"heapTotal,omitempty"`
	Workers   map[string]WorkerSignal `json:"-"`
}

// ServiceSignals holds a service's elu/heap (and any custom) signal payloads.
type ServiceSignals struct {
	ELU    *SignalTypePayload
	Heap   *SignalTypePayload
	Custom map[string]*SignalTypePayload
}

// SignalsRequest is the POST {scaler}/signals body (§6).
type SignalsRequest struct {
	ApplicationID   string
	RuntimeID       string
	BatchStartedAt  int64
	Signals         map[string]ServiceSignals // keyed by serviceID
}

// SignalAlert is one entry of a SignalsResponse's alerts list.
type SignalAlert struct {
	ServiceID string `json:"serviceId"`
	WorkerID  string `json:"workerId"`
	AlertID   string `json:"alertId"`
}

// SignalsResponse is the POST /signals response body.
type SignalsResponse struct {
	Alerts []SignalAlert `json:"alerts"`
}

// HealthSnapshot is one sample in an Alert's rolling history.
type HealthSnapshot struct {
	ELU             float64 `json:"elu"`
	HeapUsedBytes   uint64  `json:"heapUsedBytes"`
	HeapTotalBytes  uint64  `json:"heapTotalBytes"`
	TimestampMillis int64   `json:"timestamp"`
}

// AlertPayload is the `alert` object in a POST /alerts request.
type AlertPayload struct {
	ID              string         `json:"id,omitempty"`
	Application     string         `json:"application"`
	Service         string         `json:"service"`
	CurrentHealth   HealthSnapshot `json:"currentHealth"`
	Unhealthy       bool           `json:"unhealthy"`
	TimestampMillis int64          `json:"timestamp"`
}

// AlertRequest is the POST {scaler}/alerts body (§6, v1 only).
type AlertRequest struct {
	ApplicationID string           `json:"applicationId"`
	Alert         AlertPayload     `json:"alert"`
	HealthHistory []HealthSnapshot `json:"healthHistory"`
}

// AlertResponse is the POST /alerts response body.
type AlertResponse struct {
	ID string `json:"id"`
}

// FlamegraphResponse is the POST .../flamegraph response body.
type FlamegraphResponse struct {
	ID string `json:"id"`
}

// StatesRequest is the periodic POST {scaler}/flamegraphs/states body.
type StatesRequest struct {
	ApplicationID string        `json:"applicationId"`
	PodID         string        `json:"podId"`
	ExpiresIn     time.Duration `json:"-"`
	States        []ProfilerState `json:"states"`
}

// ProfilerState describes one Profiler's reported state for the periodic
// flamegraphs/states report.
type ProfilerState struct {
	ServiceID   string `json:"serviceId"`
	ProfileType string `json:"profileType"`
	State       string `json:"state"`
}
