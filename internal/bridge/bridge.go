package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// State is the connection state of a bridge
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Invalidated is terminal: the privileged context is gone
	Invalidated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Invalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultReconnectDelay is the wait between reconnect attempts
const DefaultReconnectDelay = time.Second

// InvalidatedNotice is shown once when the privileged context goes away
const InvalidatedNotice = "The request broker was reloaded or stopped. Reload this page to continue."

var (
	// ErrInvalidated is returned by sends after the privileged context went away
	ErrInvalidated = models.NewError(models.KindBridgeInvalidated, "privileged context invalidated, reload the page")
	// ErrNotConnected is returned when a message is dropped for lack of a connection
	ErrNotConnected = errors.New("bridge not connected")
)

// Conn is the channel to the privileged context
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to the privileged context
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// PageSink receives messages destined for the page scope
type PageSink interface {
	Deliver(raw []byte)
}

// Notifier surfaces a message to the user
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Options configures a Bridge
type Options struct {
	Token          string
	Dialer         Dialer
	Page           PageSink
	Notifier       Notifier
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Bridge relays envelopes between a page session and the privileged
// context. It checks envelope shape and the session token and nothing else.
type Bridge struct {
	token    string
	dialer   Dialer
	notifier Notifier
	delay    time.Duration
	pacer    *rate.Limiter
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	page       PageSink
	state      State
	changed    chan struct{}
	conn       Conn
	connecting bool
	closed     bool

	writeMu     sync.Mutex
	invalidOnce sync.Once
}

// New creates a disconnected bridge
func New(opts Options) *Bridge {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("nodeId", opts.Token))
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(message string) {
			log.Error(message)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		token:    opts.Token,
		dialer:   opts.Dialer,
		notifier: opts.Notifier,
		delay:    opts.ReconnectDelay,
		pacer:    rate.NewLimiter(rate.Every(opts.ReconnectDelay), 1),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		page:     opts.Page,
		changed:  make(chan struct{}),
	}
}

// SetPage sets the page sink callbacks are delivered to
func (b *Bridge) SetPage(p PageSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.page = p
}

// Start connects in the background, retrying until connected, invalidated
// or closed. ctx bounds the bridge's lifetime.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.ctx.Done():
		}
	}()
	go b.reconnect(false)
}

// State returns the current connection state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WaitConnected blocks until the bridge is connected. It fails once the
// bridge is invalidated or closed.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	for {
		b.mu.Lock()
		state, changed, closed := b.state, b.changed, b.closed
		b.mu.Unlock()

		switch {
		case state == Connected:
			return nil
		case state == Invalidated:
			return ErrInvalidated
		case closed:
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrNotConnected
		}
	}
}

// FromPage forwards a page envelope to the privileged context. Envelopes
// without source "page", the page's token and a request payload are
// dropped silently. It never waits on a dial: while disconnected it starts
// a background connect attempt and drops the envelope.
func (b *Bridge) FromPage(raw []byte) error {
	if !b.acceptPage(raw) {
		return nil
	}

	b.mu.Lock()
	state, conn := b.state, b.conn
	b.mu.Unlock()

	if state == Invalidated {
		return ErrInvalidated
	}

	if conn == nil {
		if b.pacer.Allow() {
			go b.connect()
		}
		b.log.Warn("dropping page message, bridge not connected", zap.Stringer("state", state))
		return ErrNotConnected
	}

	b.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, raw)
	b.writeMu.Unlock()
	if err != nil {
		b.log.Warn("dropping page message, write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close stops the bridge and its connection
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	if b.state != Invalidated {
		b.setState(Disconnected)
	}
	b.mu.Unlock()

	b.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setState must be called with mu held
func (b *Bridge) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Bridge) acceptPage(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() {
		return false
	}
	node := msg.Get("nodeId").String()
	return msg.Get("source").String() == models.SourcePage &&
		node != "" && node == b.token &&
		msg.Get("req").IsObject()
}

// connect makes one connection attempt unless one is already running or
// the bridge is connected, invalidated or closed. It reports whether the
// bridge ended up connected.
func (b *Bridge) connect() bool {
	b.mu.Lock()
	if b.closed || b.state == Invalidated || b.state == Connected || b.connecting {
		connected := b.state == Connected
		b.mu.Unlock()
		return connected
	}
	b.connecting = true
	b.setState(Connecting)
	b.mu.Unlock()

	conn, err := b.dialer.Dial(b.ctx)

	b.mu.Lock()
	b.connecting = false
	if err != nil {
		if b.state == Connecting {
			b.setState(Disconnected)
		}
		b.mu.Unlock()
		b.log.Warn("relay connect failed", zap.Error(err))
		return false
	}
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return false
	}
	b.conn = conn
	b.setState(Connected)
	b.mu.Unlock()

	b.log.Info("relay connected")
	go b.read(conn)
	return true
}

// reconnect retries connect on a fixed delay until it succeeds or the
// bridge is invalidated or closed
func (b *Bridge) reconnect(wait bool) {
	for {
		if wait {
			timer := time.NewTimer(b.delay)
			select {
			case <-b.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		wait = true

		if b.connect() {
			return
		}

		b.mu.Lock()
		stop := b.closed || b.state == Invalidated
		b.mu.Unlock()
		if stop {
			return
		}
	}
}

func (b *Bridge) read(conn Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.drop(conn, err)
			return
		}

		if gjson.GetBytes(msg, "type").String() != models.TypeFetchCallback {
			continue
		}

		out, err := sjson.SetBytes(msg, "source", models.SourceContent)
		if err != nil {
			b.log.Warn("dropping malformed callback", zap.Error(err))
			continue
		}

		b.mu.Lock()
		page := b.page
		b.mu.Unlock()
		if page != nil {
			page.Deliver(out)
		}
	}
}

// drop handles the end of conn. The invalidation close code is terminal;
// anything else schedules a reconnect.
func (b *Bridge) drop(conn Conn, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	conn.Close()

	if b.closed {
		b.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, models.CloseContextInvalidated) {
		b.setState(Invalidated)
		b.mu.Unlock()
		b.invalidOnce.Do(func() {
			b.log.Error("privileged context invalidated, not reconnecting", zap.Error(err))
			b.notifier.Notify(InvalidatedNotice)
		})
		return
	}

	b.setState(Disconnected)
	b.mu.Unlock()

	b.log.Warn("relay dropped, reconnecting", zap.Duration("delay", b.delay), zap.Error(err))
	go b.reconnect(true)
}
