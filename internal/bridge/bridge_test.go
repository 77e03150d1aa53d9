package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

const token = "node-1"

type read struct {
	msg []byte
	err error
}

type fakeConn struct {
	in     chan read
	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan read, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.in:
		return websocket.TextMessage, r.msg, r.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.out...)
}

type fakeDialer struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	fail    atomic.Bool
	mu      sync.Mutex
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type pageRecorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *pageRecorder) Deliver(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, raw)
}

func (p *pageRecorder) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.msgs...)
}

func newTestBridge(t *testing.T, d Dialer, page PageSink, n Notifier) *Bridge {
	t.Helper()
	b := New(Options{
		Token:          token,
		Dialer:         d,
		Page:           page,
		Notifier:       n,
		ReconnectDelay: 20 * time.Millisecond,
	})
	t.Cleanup(func() { b.Close() })
	return b
}

func waitState(t *testing.T, b *Bridge, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == want }, time.Second, 5*time.Millisecond,
		"bridge never reached %s", want)
}

func TestBridgeForwardsValidPageMessages(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())
	waitState(t, b, Connected)

	valid := []byte(`{"source":"page","nodeId":"node-1","type":"fetch","req":{"requestId":"r1","url":"https://a.test"}}`)
	require.NoError(t, b.FromPage(valid))

	dropped := [][]byte{
		[]byte(`{"source":"content","nodeId":"node-1","req":{}}`),
		[]byte(`{"source":"page","nodeId":"other","req":{}}`),
		[]byte(`{"source":"page","nodeId":"node-1"}`),
		[]byte(`{"source":"page","nodeId":"node-1","req":"text"}`),
		[]byte(`not json`),
		[]byte(`[1,2]`),
	}
	for _, raw := range dropped {
		assert.NoError(t, b.FromPage(raw))
	}

	out := d.last().written()
	require.Len(t, out, 1)
	assert.JSONEq(t, string(valid), string(out[0]))
}

func TestBridgeDeliversCallbacksRetagged(t *testing.T) {
	d := &fakeDialer{}
	page := &pageRecorder{}
	b := newTestBridge(t, d, page, nil)
	b.Start(context.Background())
	waitState(t, b, Connected)

	conn := d.last()
	conn.in <- read{msg: []byte(`{"type":"something_else","nodeId":"node-1"}`)}
	conn.in <- read{msg: []byte(`{"type":"fetch_callback","nodeId":"node-1","requestId":"r1","success":true,"res":{"status":200}}`)}

	require.Eventually(t, func() bool { return len(page.received()) == 1 }, time.Second, 5*time.Millisecond)
	got := page.received()[0]
	assert.JSONEq(t,
		`{"source":"content","type":"fetch_callback","nodeId":"node-1","requestId":"r1","success":true,"res":{"status":200}}`,
		string(got))
}

func TestBridgeReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())
	waitState(t, b, Connected)

	d.last().in <- read{err: io.ErrUnexpectedEOF}

	require.Eventually(t, func() bool { return d.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	waitState(t, b, Connected)
}

func TestBridgeRetriesUntilBrokerAvailable(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())

	require.Eventually(t, func() bool { return d.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, Connected, b.State())

	d.fail.Store(false)
	waitState(t, b, Connected)
}

func TestBridgeInvalidatedIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	var notices atomic.Int32
	notifier := NotifierFunc(func(message string) {
		notices.Add(1)
		assert.Equal(t, InvalidatedNotice, message)
	})
	b := newTestBridge(t, d, nil, notifier)
	b.Start(context.Background())
	waitState(t, b, Connected)

	d.last().in <- read{err: &websocket.CloseError{Code: models.CloseContextInvalidated, Text: "context invalidated"}}
	waitState(t, b, Invalidated)

	raw := []byte(`{"source":"page","nodeId":"node-1","req":{"requestId":"r1"}}`)
	for i := 0; i < 3; i++ {
		err := b.FromPage(raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidated))
		assert.Equal(t, models.KindBridgeInvalidated, models.KindOf(err))
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load(), "no reconnect after invalidation")
	assert.Equal(t, int32(1), notices.Load(), "notice shown once")
	assert.Equal(t, Invalidated, b.State())
}

func TestBridgeSendWhileDisconnectedConnectsLazily(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBridge(t, d, nil, nil)

	raw := []byte(`{"source":"page","nodeId":"node-1","req":{"requestId":"r1"}}`)
	require.ErrorIs(t, b.FromPage(raw), ErrNotConnected)

	waitState(t, b, Connected)
	require.NoError(t, b.FromPage(raw))
	assert.Len(t, d.last().written(), 1)
}

func TestBridgeSendDoesNotWaitForDial(t *testing.T) {
	d := &fakeDialer{delay: time.Second}
	b := newTestBridge(t, d, nil, nil)

	raw := []byte(`{"source":"page","nodeId":"node-1","req":{"requestId":"r1"}}`)
	start := time.Now()
	require.ErrorIs(t, b.FromPage(raw), ErrNotConnected)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridgeSendWhileDisconnectedDrops(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	b := New(Options{Token: token, Dialer: d, ReconnectDelay: time.Minute})
	t.Cleanup(func() { b.Close() })

	raw := []byte(`{"source":"page","nodeId":"node-1","req":{"requestId":"r1"}}`)
	err := b.FromPage(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))
	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	waitState(t, b, Disconnected)

	// a second send inside the reconnect delay does not dial again
	require.ErrorIs(t, b.FromPage(raw), ErrNotConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestBridgeSingleConnectInFlight(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())

	raw := []byte(`{"source":"page","nodeId":"node-1","req":{"requestId":"r1"}}`)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.FromPage(raw)
		}()
	}
	wg.Wait()

	waitState(t, b, Connected)
	assert.Equal(t, int32(1), d.maxSeen.Load())
}

func TestBridgeCloseStopsReconnecting(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())

	require.Eventually(t, func() bool { return d.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
	time.Sleep(30 * time.Millisecond)
	calls := d.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, d.calls.Load())
	assert.Equal(t, Disconnected, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "invalidated", Invalidated.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestBridgeWaitConnected(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.WaitConnected(ctx))
	assert.Equal(t, Connected, b.State())

	d.last().in <- read{err: &websocket.CloseError{Code: models.CloseContextInvalidated}}
	waitState(t, b, Invalidated)
	assert.ErrorIs(t, b.WaitConnected(ctx), ErrInvalidated)
}

func TestBridgeWaitConnectedGivesUp(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	b := newTestBridge(t, d, nil, nil)
	b.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitConnected(ctx), context.DeadlineExceeded)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.WaitConnected(context.Background()), ErrNotConnected)
}
