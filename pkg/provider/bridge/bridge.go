// Package bridge connects to a remote rendering provider over WebSocket and
// exposes the stream-supervision operations the quality controller can
// request: restarting the provider stream, pushing parameter updates, and
// failing over to a standby backend.
//
// The bridge does not carry media itself — media transport is the
// provider's business. It is the control channel the session uses when the
// AV-sync mode is provider_bridge.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Volpestyle/facestream/pkg/provider"
	"github.com/Volpestyle/facestream/pkg/types"
)

// dialTimeout bounds a single connection attempt.
const dialTimeout = 10 * time.Second

// command is the JSON control message sent to the provider.
type command struct {
	Op        string         `json:"op"`
	SessionID string         `json:"session_id,omitempty"`
	BackendID string         `json:"backend_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// ack is the provider's reply to a control message.
type ack struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Bridge is a control-channel client for one provider stream. Safe for
// concurrent use; operations are serialised over the single connection.
type Bridge struct {
	url       string
	sessionID string
	caps      types.BackendCapabilities

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a bridge for the given control endpoint. caps declares what
// the remote backend supports; the session forwards them to the quality
// controller.
func New(url, sessionID string, caps types.BackendCapabilities) *Bridge {
	return &Bridge{url: url, sessionID: sessionID, caps: caps}
}

// Capabilities returns the backend capability flags.
func (b *Bridge) Capabilities() types.BackendCapabilities {
	return b.caps
}

// Connect dials the control endpoint. Calling Connect on a connected bridge
// is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	return b.dialLocked(ctx)
}

func (b *Bridge) dialLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, b.url, &websocket.DialOptions{})
	if err != nil {
		return provider.Errorf("bridge_dial_failed", err)
	}
	b.conn = conn
	return nil
}

// Close tears the control channel down.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close(websocket.StatusNormalClosure, "session closed")
	b.conn = nil
	return err
}

// RestartStream asks the provider to tear down and re-establish the media
// stream. The control connection itself is re-dialed first so a wedged
// socket cannot swallow the restart.
func (b *Bridge) RestartStream(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close(websocket.StatusGoingAway, "restarting stream")
		b.conn = nil
	}
	if err := b.dialLocked(ctx); err != nil {
		return err
	}
	slog.Info("bridge: restarting provider stream", "session_id", b.sessionID)
	return b.roundTripLocked(ctx, command{Op: "restart_stream", SessionID: b.sessionID})
}

// Failover asks the provider to switch to the standby backend.
func (b *Bridge) Failover(ctx context.Context, backendID string) error {
	if backendID == "" {
		return provider.Errorf("failover_backend_missing", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		if err := b.dialLocked(ctx); err != nil {
			return err
		}
	}
	slog.Info("bridge: failing over", "session_id", b.sessionID, "backend_id", backendID)
	return b.roundTripLocked(ctx, command{Op: "failover", SessionID: b.sessionID, BackendID: backendID})
}

// UpdateParams pushes render parameter changes (fps, resolution) to the
// provider. Requires the supports_param_update capability.
func (b *Bridge) UpdateParams(ctx context.Context, params map[string]any) error {
	if !b.caps.SupportsParamUpdate {
		return provider.Errorf("param_update_unsupported", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		if err := b.dialLocked(ctx); err != nil {
			return err
		}
	}
	return b.roundTripLocked(ctx, command{Op: "update_params", SessionID: b.sessionID, Params: params})
}

func (b *Bridge) roundTripLocked(ctx context.Context, cmd command) error {
	if err := wsjson.Write(ctx, b.conn, cmd); err != nil {
		return provider.Errorf("bridge_write_failed", err)
	}
	var reply ack
	if err := wsjson.Read(ctx, b.conn, &reply); err != nil {
		return provider.Errorf("bridge_read_failed", err)
	}
	if !reply.OK {
		reason := reply.Reason
		if reason == "" {
			reason = "bridge_command_rejected"
		}
		return provider.Errorf(reason, fmt.Errorf("op %s rejected", cmd.Op))
	}
	return nil
}
