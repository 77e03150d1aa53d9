package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/broker"
	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server accepts relay connections from page sessions and hands them to
// the broker
type Server struct {
	broker  *broker.Broker
	metrics *metrics.Metrics
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a relay endpoint for b. m may be nil.
func NewServer(b *broker.Broker, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		broker:  b,
		metrics: m,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// HandleBridge upgrades the request and serves the relay until it closes
func (s *Server) HandleBridge(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "broker is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade relay connection", zap.Error(err))
		return
	}

	if !s.track(conn) {
		invalidate(conn, s.log)
		conn.Close()
		return
	}
	defer s.untrack(conn)

	s.log.Info("relay connected", zap.String("remote", r.RemoteAddr))

	err = s.broker.ServeConn(s.ctx, conn)
	if err != nil && !errors.Is(err, io.EOF) &&
		websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, models.CloseContextInvalidated) {
		s.log.Warn("relay error", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}

	s.log.Info("relay disconnected", zap.String("remote", r.RemoteAddr))
}

// Connections returns the number of open relay connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every relay with CloseContextInvalidated, so connected
// bridges stop reconnecting, and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		invalidate(c, s.log)
		c.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers c unless the server is closing
func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RelayConns.Set(float64(n))
	}
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()
	c.Close()

	if s.metrics != nil {
		s.metrics.RelayConns.Set(float64(n))
	}
}

func invalidate(c *websocket.Conn, log *zap.Logger) {
	msg := websocket.FormatCloseMessage(models.CloseContextInvalidated, "context invalidated")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Debug("failed to send invalidation", zap.Error(err))
	}
}
