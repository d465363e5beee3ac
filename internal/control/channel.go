// Package control implements C7, the persistent control-channel WebSocket
// to ICC: subscribe/ack handshake, dispatched trigger/config frames, and
// idempotent auto-reconnect.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wattsidecar/wattsidecar/internal/config"
	"github.com/wattsidecar/wattsidecar/internal/iccclient"
	"github.com/wattsidecar/wattsidecar/internal/observability"
)

// ProfileTrigger is the subset of C6 the channel dispatches
// trigger-flamegraph / trigger-heapprofile frames to.
type ProfileTrigger interface {
	RequestAllServices(ctx context.Context, profileType string)
}

// ConfigApplier applies a decoded config-updated frame.
type ConfigApplier interface {
	Update(d config.DynamicConfig) config.Snapshot
}

type frame struct {
	Command string          `json:"command,omitempty"`
	Type    string          `json:"type,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Channel is the C7 control channel.
type Channel struct {
	cfg      *config.Store
	auth     iccclient.AuthProvider
	profiler ProfileTrigger
	applier  ConfigApplier
	metrics  *observability.Metrics
	log      *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	isClosing      atomic.Bool
	isReconnecting atomic.Bool
}

// New builds a Channel.
func New(cfg *config.Store, auth iccclient.AuthProvider, profiler ProfileTrigger, applier ConfigApplier, metrics *observability.Metrics, log *zap.Logger) *Channel {
	return &Channel{cfg: cfg, auth: auth, profiler: profiler, applier: applier, metrics: metrics, log: log}
}

// Run connects and serves until ctx is cancelled or Close is called.
func (c *Channel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.isClosing.Load() {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("control channel session ended", zap.Error(err))
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect waits out reconnectIntervalSec before the next dial attempt.
// isReconnecting makes the wait idempotent: a second call that arrives
// while one is already waiting returns false at once instead of waiting
// again.
func (c *Channel) reconnect(ctx context.Context) bool {
	if c.isClosing.Load() {
		return false
	}
	if !c.isReconnecting.CompareAndSwap(false, true) {
		return false
	}
	defer c.isReconnecting.Store(false)

	if c.metrics != nil {
		c.metrics.ControlChannelReconnectsTotal.Inc()
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.Load().ICCReconnectInterval):
		return true
	}
}

// Close marks the channel as closing, suppressing further reconnects, and
// drops the live connection if one is open.
func (c *Channel) Close() {
	c.isClosing.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func wsURL(snap config.Snapshot) (string, error) {
	base, err := url.Parse(snap.ICCURL)
	if err != nil {
		return "", fmt.Errorf("control: parse icc url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/updates/applications/" + url.PathEscape(snap.ApplicationID)
	return base.String(), nil
}

// connectAndServe dials, performs the subscribe/ack handshake, then reads
// frames until the connection ends.
func (c *Channel) connectAndServe(ctx context.Context) error {
	snap := c.cfg.Load()
	target, err := wsURL(snap)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.auth != nil {
		authHeader, err := c.auth.AuthHeader(ctx)
		if err != nil {
			return fmt.Errorf("control: auth header: %w", err)
		}
		header.Set("Authorization", authHeader)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("control: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	if err := conn.WriteJSON(frame{Command: "subscribe", Topic: "/config"}); err != nil {
		return fmt.Errorf("control: send subscribe: %w", err)
	}

	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("control: read ack: %w", err)
	}
	if ack.Command != "ack" {
		return fmt.Errorf("control: subscribe failed, first frame was %q, not ack", ack.Command)
	}
	if c.metrics != nil {
		c.metrics.ControlChannelConnected.Set(1)
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.ControlChannelConnected.Set(0)
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("control: read frame: %w", err)
		}
		c.dispatch(ctx, f)
	}
}

func (c *Channel) dispatch(ctx context.Context, f frame) {
	switch {
	case f.Command == "trigger-flamegraph":
		c.profiler.RequestAllServices(ctx, "cpu")
	case f.Command == "trigger-heapprofile":
		c.profiler.RequestAllServices(ctx, "heap")
	case f.Type == "config-updated":
		var d config.DynamicConfig
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("config-updated frame had invalid data", zap.Error(err))
			return
		}
		c.applier.Update(d)
	default:
		c.log.Info("control channel frame ignored", zap.String("command", f.Command), zap.String("type", f.Type))
	}
}
