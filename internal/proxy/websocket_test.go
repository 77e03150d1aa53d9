package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/crossrequest/internal/broker"
	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/internal/settings"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	network := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusCreated,
			Status:     "201 Created",
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"id":7}`)),
		}, nil
	})
	m := metrics.New()
	b := broker.New(settings.New(nil, nil), broker.WithTransport(network), broker.WithMetrics(m))
	s := NewServer(b, m, nil)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleBridge))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleBridgeAnswersFetch(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)

	env := models.FetchEnvelope{
		Source: models.SourcePage,
		NodeID: "node-1",
		Type:   models.TypeFetch,
		Req:    models.Request{RequestID: "r1", URL: "https://api.test/items", Method: "POST", Data: map[string]any{"a": 1}},
	}
	require.NoError(t, conn.WriteJSON(env))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cb models.CallbackEnvelope
	require.NoError(t, conn.ReadJSON(&cb))

	assert.Equal(t, models.TypeFetchCallback, cb.Type)
	assert.Equal(t, "node-1", cb.NodeID)
	assert.Equal(t, "r1", cb.RequestID)
	assert.True(t, cb.Success)

	var res models.Response
	require.NoError(t, json.Unmarshal(cb.Res, &res))
	assert.Equal(t, 201, res.Status)
	assert.Equal(t, "Created", res.StatusText)
	assert.JSONEq(t, `{"id":7}`, string(res.Body))
}

func TestShutdownInvalidatesRelays(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, models.CloseContextInvalidated), "got %v", err)
	assert.Zero(t, s.Connections())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
