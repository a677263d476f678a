package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
)

type frame struct {
	data []byte
	err  error
}

type fakeConn struct {
	mu     sync.Mutex
	frames chan frame
	writes [][]byte
	pings  int
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f := <-c.frames
	if f.err != nil {
		return 0, nil, f.err
	}
	return websocket.TextMessage, f.data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PingMessage {
		c.pings++
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(data string) {
	c.frames <- frame{data: []byte(data)}
}

func (c *fakeConn) fail(err error) {
	c.frames <- frame{err: err}
}

func (c *fakeConn) writtenFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	urls     []string
	failFrom int // 1-indexed dial number from which dials fail; 0 means never
}

func (d *fakeDialer) Dial(rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failFrom > 0 && len(d.conns)+1 >= d.failFrom {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.urls = append(d.urls, rawURL)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// blockingDialer parks every Dial until released, to widen the window between
// a connect and state changes racing it.
type blockingDialer struct {
	fakeDialer
	started chan struct{}
	release chan struct{}
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDialer) Dial(rawURL string) (Conn, error) {
	d.started <- struct{}{}
	<-d.release
	return d.fakeDialer.Dial(rawURL)
}

func newTestChannel(dialer *fakeDialer, mock *clock.Mock, cfg Config) *Channel {
	cfg.BaseURL = "ws://api.test/ws"
	return NewChannel(cfg, dialer, mock, log.Nop(), nil)
}

func TestConnectTransitionsToConnected(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())

	require.NoError(t, c.Connect("secret token"))
	assert.Equal(t, StateConnected, c.State())

	state := c.ConnectionState()
	assert.Equal(t, mock.Now(), state.LastConnectedAt)
	assert.Zero(t, state.ReconnectAttempts)

	d.mu.Lock()
	url := d.urls[0]
	d.mu.Unlock()
	assert.True(t, strings.HasSuffix(url, "?token=secret+token"), url)

	assert.ErrorIs(t, c.Connect("secret token"), ErrAlreadyConnected)
}

func TestConnectDialFailure(t *testing.T) {
	d := &fakeDialer{failFrom: 1}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())

	err := c.Connect("tok")
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateError, c.State())
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())
	require.NoError(t, c.Connect("tok"))

	d.conn(0).fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	mock.Add(10 * time.Second)
	assert.Equal(t, 1, d.dials())
}

func TestUncleanCloseReconnects(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())
	require.NoError(t, c.Connect("tok"))

	d.conn(0).fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.ConnectionState().ReconnectAttempts)

	// The scheduled reconnect fires after the fixed delay and reuses the
	// stored credential.
	mock.Add(5 * time.Second)

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.dials())
	assert.Zero(t, c.ConnectionState().ReconnectAttempts)
}

func TestReconnectDialFailureLandsInError(t *testing.T) {
	d := &fakeDialer{failFrom: 2}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())
	require.NoError(t, c.Connect("tok"))

	d.conn(0).fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Second)

	require.Eventually(t, func() bool {
		return c.State() == StateError
	}, time.Second, 5*time.Millisecond)

	// Terminal until a manual connect.
	mock.Add(time.Minute)
	assert.Equal(t, 1, d.dials())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())
	require.NoError(t, c.Connect("tok"))

	d.conn(0).fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	require.Eventually(t, func() bool {
		return c.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	mock.Add(time.Minute)
	assert.Equal(t, 1, d.dials())
}

func TestDisconnectDuringDialWins(t *testing.T) {
	d := newBlockingDialer()
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.BaseURL = "ws://api.test/ws"
	c := NewChannel(cfg, d, mock, log.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- c.Connect("tok") }()

	<-d.started
	require.Equal(t, StateConnecting, c.State())
	c.Disconnect()
	close(d.release)

	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, c.State())

	// The late connection was dropped, not adopted.
	conn := d.conn(0)
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}

func TestHeartbeatPingsWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())
	require.NoError(t, c.Connect("tok"))

	// Give the heartbeat goroutine a moment to register its ticker.
	time.Sleep(50 * time.Millisecond)
	mock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		conn := d.conn(0)
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestEventLogBoundedNewestFirst(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.EventLogSize = 3
	c := newTestChannel(d, mock, cfg)
	require.NoError(t, c.Connect("tok"))

	conn := d.conn(0)
	conn.push(`{"type":"customer_updated","payload":{"id":1}}`)
	conn.push(`{"type":"customer_updated","payload":{"id":2}}`)
	conn.push(`{"type":"customer_updated","payload":{"id":3}}`)
	conn.push(`{"type":"customer_updated","payload":{"id":4}}`)

	require.Eventually(t, func() bool {
		events := c.Events()
		return len(events) == 3 && string(events[0].Payload) == `{"id":4}`
	}, time.Second, 5*time.Millisecond)

	events := c.Events()
	assert.Equal(t, `{"id":2}`, string(events[2].Payload), "oldest surviving event last")
}

func TestUnrecognizedEventDropped(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())

	var mu sync.Mutex
	called := 0
	c.OnEvent("", func(Event) {
		mu.Lock()
		called++
		mu.Unlock()
	})
	require.NoError(t, c.Connect("tok"))

	conn := d.conn(0)
	conn.push(`{"type":"mystery_event","payload":{}}`)
	conn.push(`{"type":"not even json`)
	conn.push(`{"type":"campaign_updated","payload":{"id":7}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, c.Events(), 1)
	assert.Equal(t, "campaign_updated", c.Events()[0].Type)
}

func TestEventHandlersByType(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())

	var got Event
	var mu sync.Mutex
	c.OnEvent("submission_status_changed", func(ev Event) {
		mu.Lock()
		got = ev
		mu.Unlock()
	})
	require.NoError(t, c.Connect("tok"))

	d.conn(0).push(`{"type":"submission_status_changed","payload":{"status":"approved"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Type == "submission_status_changed"
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriptionReplayAfterConnect(t *testing.T) {
	d := &fakeDialer{}
	mock := clock.NewMock()
	c := newTestChannel(d, mock, DefaultConfig())

	// Offline subscribe updates local state only.
	c.Subscribe("territory:north")
	assert.ElementsMatch(t, []string{"territory:north"}, c.ConnectionState().Subscriptions)

	require.NoError(t, c.Connect("tok"))

	conn := d.conn(0)
	require.Eventually(t, func() bool {
		return len(conn.writtenFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	var msg struct {
		Action   string   `json:"action"`
		Channels []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal([]byte(conn.writtenFrames()[0]), &msg))
	assert.Equal(t, "subscribe", msg.Action)
	assert.Equal(t, []string{"territory:north"}, msg.Channels)

	// Connected subscribe sends immediately.
	c.Subscribe("territory:south")
	require.Eventually(t, func() bool {
		return len(conn.writtenFrames()) == 2
	}, time.Second, 5*time.Millisecond)

	c.Unsubscribe("territory:north")
	assert.ElementsMatch(t, []string{"territory:south"}, c.ConnectionState().Subscriptions)
}
