// Package remotestore is the remote store handle: the document store
// contract spoken over a websocket carrying CBOR RPC frames, plus live
// filtered change subscriptions. The handle may be unavailable at any
// time; connection loss fails pending calls and live subscriptions with a
// transient error, and the handle can be connected again. Reconnection
// policy belongs to the replication manager.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/remotestore/wire"
)

// DefaultDialer is the gorilla dialer used unless the config overrides it.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// DefaultTimeout bounds how long a call waits for its RPC response after
// the request was written.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned for calls made while the handle has no
	// live connection. It is transient; the caller may connect and retry.
	ErrNotConnected = errors.New("remote store not connected")

	// ErrConnectionLost is returned for calls that were in flight when
	// the connection dropped.
	ErrConnectionLost = errors.New("remote store connection lost")
)

// Config configures a remote store handle.
type Config struct {
	// URL is the base websocket URL, e.g. ws://host:port. The RPC
	// endpoint path is appended.
	URL string

	// Timeout bounds each RPC round trip. Zero means DefaultTimeout.
	Timeout time.Duration

	// Header is sent with the websocket handshake, typically carrying
	// the session's authentication token.
	Header http.Header

	Dialer *gorilla.Dialer
	Logger logger.Logger
}

type Client struct {
	cfg Config
	log logger.Logger

	stateMu sync.Mutex
	state   State

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex
	conn    *gorilla.Conn

	respMu sync.Mutex
	resp   map[string]chan *wire.Message

	subMu sync.Mutex
	subs  map[string]*Subscription
}

var _ store.Remote = (*Client)(nil)

// New creates a disconnected remote store handle.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	return &Client{
		cfg:   cfg,
		log:   logger.OrNop(cfg.Logger),
		state: StateDisconnected,
		resp:  make(map[string]chan *wire.Message),
		subs:  make(map[string]*Subscription),
	}
}

func (c *Client) transitionTo(newState State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}
	c.state = newState
	c.log.Debug("remotestore state transitioned", "new_state", newState)
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect dials the remote endpoint. It may be called again after the
// connection is lost; live subscriptions do not survive reconnection and
// must be re-established by the caller.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transitionTo(StateConnecting); err != nil {
		return err
	}

	conn, res, err := c.cfg.Dialer.DialContext(ctx, fmt.Sprintf("%s/rpc", c.cfg.URL), c.cfg.Header)
	if err != nil {
		if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
			c.log.Error("BUG: remotestore failed to transition to disconnected state", "error", stateErr)
		}
		return fmt.Errorf("remotestore failed to connect to %s: %w", c.cfg.URL, err)
	}
	defer res.Body.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.transitionTo(StateConnected); err != nil {
		panic(fmt.Sprintf("BUG: remotestore failed to transition to connected state: %v", err))
	}

	go c.readLoop(conn)
	return nil
}

// EnsureConnected connects unless a connection is already live. The
// replication manager calls this at the start of every sync session.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	return c.Connect(ctx)
}

func (c *Client) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var msg wire.Message
		if err := cbor.Unmarshal(data, &msg); err != nil {
			c.log.Warn("remotestore dropping undecodable frame", "error", err)
			continue
		}

		switch {
		case msg.Notify != nil:
			c.dispatchNotification(msg.Notify)
		case msg.ID != "":
			c.dispatchResponse(&msg)
		default:
			c.log.Warn("remotestore dropping frame with no id and no notification")
		}
	}
}

func (c *Client) dispatchResponse(msg *wire.Message) {
	c.respMu.Lock()
	ch, ok := c.resp[msg.ID]
	if ok {
		delete(c.resp, msg.ID)
	}
	c.respMu.Unlock()

	if !ok {
		c.log.Debug("remotestore response for unknown request", "id", msg.ID)
		return
	}
	ch <- msg
}

func (c *Client) dispatchNotification(n *wire.Notification) {
	c.subMu.Lock()
	sub, ok := c.subs[n.Stream]
	c.subMu.Unlock()

	if !ok {
		c.log.Debug("remotestore notification for unknown stream", "stream", n.Stream)
		return
	}

	change := n.Change
	change.Origin = store.OriginReplicated
	sub.enqueue(change)
}

// handleDisconnect fails all pending calls and live subscriptions after
// the underlying connection dropped.
func (c *Client) handleDisconnect(cause error) {
	c.stateMu.Lock()
	closing := c.state == StateClosing || c.state == StateClosed
	if !closing {
		if err := c.state.validateTransitionTo(StateDisconnected); err == nil {
			c.state = StateDisconnected
		}
	}
	c.stateMu.Unlock()

	if closing {
		cause = nil
	} else {
		c.log.Info("remotestore connection lost", "error", cause)
		cause = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}

	c.respMu.Lock()
	for id, ch := range c.resp {
		delete(c.resp, id)
		close(ch)
	}
	c.respMu.Unlock()

	c.subMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		delete(c.subs, id)
		subs = append(subs, sub)
	}
	c.subMu.Unlock()

	for _, sub := range subs {
		sub.finish(cause)
	}
}

// send performs one RPC round trip. result may be nil when the call has
// no payload to decode.
func (c *Client) send(ctx context.Context, method string, params, result any) error {
	if c.State() != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, method)
	}

	raw, err := cbor.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := uuid.NewString()
	frame, err := cbor.Marshal(wire.Message{ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	ch := make(chan *wire.Message, 1)
	c.respMu.Lock()
	c.resp[id] = ch
	c.respMu.Unlock()

	cleanup := func() {
		c.respMu.Lock()
		delete(c.resp, id)
		c.respMu.Unlock()
	}

	c.writeMu.Lock()
	conn := c.conn
	if conn == nil {
		c.writeMu.Unlock()
		cleanup()
		return fmt.Errorf("%w: %s", ErrNotConnected, method)
	}
	err = conn.WriteMessage(gorilla.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return fmt.Errorf("%w: writing %s: %v", ErrConnectionLost, method, err)
	}

	timeout := time.NewTimer(c.cfg.Timeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case <-timeout.C:
		cleanup()
		return fmt.Errorf("%w: %s timed out after %v", ErrConnectionLost, method, c.cfg.Timeout)
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: %s", ErrConnectionLost, method)
		}
		if msg.Error != nil {
			return msg.Error.Err()
		}
		if result != nil && msg.Result != nil {
			if err := cbor.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Close shuts the handle down for good. A closed handle cannot be
// connected again.
func (c *Client) Close(ctx context.Context) error {
	if err := c.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("remotestore is already closing or closed: %w", err)
	}

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		if err := conn.WriteControl(gorilla.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("remotestore failed to write close message", "error", err)
		}
		if err := conn.Close(); err != nil {
			c.log.Debug("remotestore failed to close connection", "error", err)
		}
	}

	c.handleDisconnect(nil)

	if err := c.transitionTo(StateClosed); err != nil {
		c.log.Error("BUG: remotestore failed to transition to closed state", "error", err)
	}
	return nil
}
