// Package realtime maintains the persistent websocket connection that delivers
// server-side change events to the field client. The channel reconnects on
// unclean closes, heartbeats while connected, and keeps a bounded log of the
// most recent events for UI display.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/Asim971/pharmaflow-sync/internal/core/dispatch"
	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
)

// State is the channel's connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is the slice of a websocket connection the channel uses. Satisfied by
// *websocket.Conn; tests inject fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Dialer opens websocket connections.
type Dialer interface {
	Dial(rawURL string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d *wsDialer) Dial(rawURL string) (Conn, error) {
	conn, _, err := d.dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewDialer returns the gorilla-backed production dialer.
func NewDialer() Dialer {
	return &wsDialer{dialer: websocket.DefaultDialer}
}

// Config holds channel settings.
type Config struct {
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	// MaxReconnectAttempts bounds consecutive unclean closes before the channel
	// gives up. It does not govern redials: a failed redial is terminal on its
	// own, and a successful connect resets the counter.
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	EventLogSize         int           `json:"event_log_size" yaml:"event_log_size"`
	WriteTimeout         time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the stock channel configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		EventLogSize:         100,
		WriteTimeout:         10 * time.Second,
	}
}

// ConnectionState is a snapshot of the channel for UI display.
type ConnectionState struct {
	State             State
	LastConnectedAt   time.Time
	ReconnectAttempts int
	Subscriptions     []string
}

// Channel is the realtime event channel. All state is owned exclusively; the
// only outward path is the dispatch sink and registered handlers.
type Channel struct {
	cfg    Config
	dialer Dialer
	clk    clock.Clock
	logger log.Log
	sink   dispatch.Sink

	mu                sync.Mutex
	state             State
	conn              Conn
	credential        string
	lastConnectedAt   time.Time
	reconnectAttempts int
	// gen invalidates read loops and heartbeats belonging to a torn-down
	// connection.
	gen            int
	events         []Event
	subs           map[string]struct{}
	handlers       map[string][]Handler
	reconnectTimer *clock.Timer
	heartbeatStop  chan struct{}
}

// NewChannel builds a channel in the disconnected state.
func NewChannel(cfg Config, dialer Dialer, clk clock.Clock, logger log.Log, sink dispatch.Sink) *Channel {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = def.EventLogSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if dialer == nil {
		dialer = NewDialer()
	}
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = dispatch.Nop{}
	}

	return &Channel{
		cfg:      cfg,
		dialer:   dialer,
		clk:      clk,
		logger:   logger.With(log.String("component", "realtime")),
		sink:     sink,
		state:    StateDisconnected,
		subs:     make(map[string]struct{}),
		handlers: make(map[string][]Handler),
	}
}

// Connect opens the channel with the given access credential. The credential
// is appended as a query parameter, per the server contract, and kept for
// reconnects.
func (c *Channel) Connect(credential string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.cancelReconnectLocked()
	c.setStateLocked(StateConnecting)
	c.credential = credential
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dialer.Dial(c.endpoint(credential))
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state == StateConnecting {
			c.setStateLocked(StateError)
		}
		c.mu.Unlock()
		c.logger.Error("websocket dial failed", log.Error(err))
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	// An explicit disconnect issued while the dial was in flight wins: drop
	// the fresh connection instead of resurrecting the channel.
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Info("dial completed after disconnect, connection dropped")
		return nil
	}
	c.conn = conn
	c.gen++
	gen = c.gen
	c.reconnectAttempts = 0
	c.lastConnectedAt = c.clk.Now()
	c.setStateLocked(StateConnected)
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	channels := c.subscriptionsLocked()
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.heartbeat(conn, stop)

	// Replay subscriptions so the server picks up where the last connection
	// left off.
	if len(channels) > 0 {
		c.sendControl(conn, "subscribe", channels)
	}

	c.logger.Info("realtime channel connected")
	return nil
}

// Disconnect closes the channel from any state and clears pending reconnect
// and heartbeat timers. No reconnect follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		deadline := c.clk.Now().Add(c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}

	c.logger.Info("realtime channel disconnected")
}

// Subscribe adds channels to the subscription set. The local set is updated
// regardless of transport state so re-subscription replays after reconnect;
// the control frame is only sent while connected.
func (c *Channel) Subscribe(channels ...string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.sendControl(conn, "subscribe", channels)
	}
}

// Unsubscribe removes channels from the subscription set.
func (c *Channel) Unsubscribe(channels ...string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.sendControl(conn, "unsubscribe", channels)
	}
}

// OnEvent registers a handler for a recognized event type. The empty type
// receives every recognized event.
func (c *Channel) OnEvent(eventType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionState returns a snapshot for UI display.
func (c *Channel) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionState{
		State:             c.state,
		LastConnectedAt:   c.lastConnectedAt,
		ReconnectAttempts: c.reconnectAttempts,
		Subscriptions:     c.subscriptionsLocked(),
	}
}

// Events returns a copy of the bounded event log, newest first.
func (c *Channel) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Channel) endpoint(credential string) string {
	return c.cfg.BaseURL + "?token=" + url.QueryEscape(credential)
}

func (c *Channel) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

// handleClose runs the close side of the state machine: a clean close lands in
// disconnected, anything else schedules a reconnect with the last credential.
func (c *Channel) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		// Stale read loop from a connection already torn down.
		c.mu.Unlock()
		return
	}

	c.stopHeartbeatLocked()
	c.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.logger.Info("realtime channel closed cleanly")
		return
	}

	c.setStateLocked(StateReconnecting)
	c.reconnectAttempts++
	attempts := c.reconnectAttempts

	if attempts > c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StateError)
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", log.Int("attempts", attempts-1))
		return
	}

	if c.reconnectTimer == nil {
		c.reconnectTimer = c.clk.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
	}
	c.mu.Unlock()

	c.logger.Warn("realtime channel lost, reconnect scheduled",
		log.Int("attempt", attempts),
		log.Duration("delay", c.cfg.ReconnectDelay),
		log.Error(err))
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	credential := c.credential
	c.mu.Unlock()

	if err := c.Connect(credential); err != nil {
		c.logger.Error("reconnect failed", log.Error(err))
	}
}

func (c *Channel) handleMessage(data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn("malformed realtime message dropped", log.Error(err))
		return
	}

	if !Recognized(event.Type) {
		c.logger.Debug("unrecognized event type dropped", log.String("type", event.Type))
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = c.clk.Now()
	}

	c.mu.Lock()
	// Newest first, capped; the oldest entry falls off the end.
	c.events = append([]Event{event}, c.events...)
	if len(c.events) > c.cfg.EventLogSize {
		c.events = c.events[:c.cfg.EventLogSize]
	}
	handlers := make([]Handler, 0, 4)
	handlers = append(handlers, c.handlers[event.Type]...)
	handlers = append(handlers, c.handlers[""]...)
	c.mu.Unlock()

	c.sink.Dispatch(dispatch.NewEvent("realtime.event_received", "realtime", event))
	for _, h := range handlers {
		h(event)
	}
}

// sendControl sends a subscription control frame. Transport errors are logged,
// never surfaced to the caller.
func (c *Channel) sendControl(conn Conn, action string, channels []string) {
	msg, err := json.Marshal(map[string]any{
		"action":   action,
		"channels": channels,
	})
	if err != nil {
		c.logger.Warn("control message not serializable", log.Error(err))
		return
	}
	if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.logger.Warn("control message send failed",
			log.String("action", action), log.Error(err))
	}
}

func (c *Channel) heartbeat(conn Conn, stop chan struct{}) {
	ticker := c.clk.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := c.clk.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("heartbeat failed", log.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

// setStateLocked transitions the state and notifies the sink. Caller holds
// c.mu.
func (c *Channel) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.sink.Dispatch(dispatch.NewEvent("realtime.state_changed", "realtime", state.String()))
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Channel) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}
