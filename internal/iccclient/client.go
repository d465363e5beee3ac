package iccclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/ratelimit"
)

// AuthProvider returns a fresh Authorization header value. Implementations
// must not be cached by callers — this interface exists precisely so the
// header can be refreshed (e.g. a short-lived bearer token) on every call.
type AuthProvider interface {
	AuthHeader(ctx context.Context) (string, error)
}

// Client is the stateless C2 ICC Client.
type Client struct {
	baseURL string
	http    *http.Client
	auth    AuthProvider
	limiter *ratelimit.Bucket
	log     *zap.Logger
}

// New creates a Client. baseURL is ICC's base URL (e.g.
// "https://icc.example.internal"); it carries no trailing slash.
func New(baseURL string, auth AuthProvider, limiter *ratelimit.Bucket, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		auth:    auth,
		limiter: limiter,
		log:     log,
	}
}

// ErrMultipleAlertsNotSupported is returned by AttachAlerts when ICC's
// attach endpoint is absent (a 404 whose body names the missing route).
// C6 uses this to fall back to per-alert re-upload.
var ErrMultipleAlertsNotSupported = fmt.Errorf("icc: flamegraph attach endpoint not supported")

// doJSON performs one authenticated JSON request and decodes a JSON
// response into out (if non-nil). Non-2xx responses log the body and
// return an error; callers that need to distinguish a specific status
// (e.g. the 404 attach fallback) inspect the returned *StatusError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("icc: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("icc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	return c.send(req, out)
}

// authorize attaches a freshly-obtained Authorization header. Called on
// every request; the header is never cached across calls.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	header, err := c.auth.AuthHeader(ctx)
	if err != nil {
		return fmt.Errorf("icc: auth header: %w", err)
	}
	req.Header.Set("Authorization", header)
	return nil
}

// StatusError carries a non-2xx ICC response for callers that need to
// branch on the status code or body (the attach endpoint's 404 fallback).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("icc: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("icc: rate limiter: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("icc: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("icc request returned non-2xx",
			zap.Int("status", resp.StatusCode), zap.String("body", string(raw)))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("icc: decode response: %w", err)
		}
	}
	return nil
}

// PostSignals posts a health-signals batch (§6, POST {scaler}/signals).
func (c *Client) PostSignals(ctx context.Context, req SignalsRequest) (SignalsResponse, error) {
	var resp SignalsResponse
	err := c.doJSON(ctx, http.MethodPost, "/signals", signalsWireBody(req), &resp)
	return resp, err
}

// signalsWireBody builds the nested JSON shape spec §6 requires, which
// does not map cleanly onto a single struct because the per-worker keys
// are dynamic (workerId) and the options block differs between elu/heap.
func signalsWireBody(req SignalsRequest) map[string]interface{} {
	signals := make(map[string]interface{}, len(req.Signals))
	for serviceID, svc := range req.Signals {
		entry := map[string]interface{}{}
		if svc.ELU != nil {
			entry["elu"] = signalTypeWire(svc.ELU, false)
		}
		if svc.Heap != nil {
			entry["heap"] = signalTypeWire(svc.Heap, true)
		}
		for name, payload := range svc.Custom {
			entry[name] = signalTypeWire(payload, false)
		}
		signals[serviceID] = entry
	}

	return map[string]interface{}{
		"applicationId":  req.ApplicationID,
		"runtimeId":      req.RuntimeID,
		"batchStartedAt": req.BatchStartedAt,
		"signals":        signals,
	}
}

func signalTypeWire(p *SignalTypePayload, includeHeapTotal bool) map[string]interface{} {
	options := map[string]interface{}{"threshold": p.Threshold}
	if includeHeapTotal && p.HeapTotal != nil {
		options["heapTotal"] = *p.HeapTotal
	}

	workers := make(map[string]interface{}, len(p.Workers))
	for workerID, w := range p.Workers {
		values := make([][2]float64, len(w.Values))
		for i, v := range w.Values {
			values[i] = [2]float64{float64(v.TimestampMillis), v.Value}
		}
		workers[workerID] = map[string]interface{}{"values": values}
	}

	return map[string]interface{}{
		"options": options,
		"workers": workers,
	}
}

// PostAlert posts one alert (§6, POST {scaler}/alerts, v1 only).
func (c *Client) PostAlert(ctx context.Context, req AlertRequest) (AlertResponse, error) {
	var resp AlertResponse
	err := c.doJSON(ctx, http.MethodPost, "/alerts", req, &resp)
	return resp, err
}

// UploadFlamegraph uploads raw profile bytes (§6, POST
// /pods/{podId}/services/{serviceId}/flamegraph?profileType=&alertId=).
// The body is application/octet-stream, not JSON. alertID may be empty.
func (c *Client) UploadFlamegraph(ctx context.Context, podID, serviceID, profileType, alertID string, body []byte) (string, error) {
	path := fmt.Sprintf("/pods/%s/services/%s/flamegraph?profileType=%s",
		url.PathEscape(podID), url.PathEscape(serviceID), profileType)
	if alertID != "" {
		path += "&alertId=" + url.QueryEscape(alertID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("icc: build flamegraph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	var resp FlamegraphResponse
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AttachAlerts attaches additional alertIds to an already-uploaded
// flamegraph (§6, POST /flamegraphs/{id}/alerts). Returns
// ErrMultipleAlertsNotSupported when ICC reports the endpoint is absent
// (a 404 whose body contains the literal "Route POST").
func (c *Client) AttachAlerts(ctx context.Context, flamegraphID string, alertIDs []string) error {
	path := "/flamegraphs/" + url.PathEscape(flamegraphID) + "/alerts"
	err := c.doJSON(ctx, http.MethodPost, path, map[string]interface{}{"alertIds": alertIDs}, nil)
	if err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound &&
		strings.Contains(statusErr.Body, "Route POST") {
		return ErrMultipleAlertsNotSupported
	}
	return err
}

// PostFlamegraphStates reports profiler states (§6, POST
// {scaler}/flamegraphs/states), sent periodically by C6.
func (c *Client) PostFlamegraphStates(ctx context.Context, req StatesRequest) error {
	body := map[string]interface{}{
		"applicationId": req.ApplicationID,
		"podId":         req.PodID,
		"expiresIn":     int64(req.ExpiresIn / time.Millisecond),
		"states":        req.States,
	}
	return c.doJSON(ctx, http.MethodPost, "/flamegraphs/states", body, nil)
}

