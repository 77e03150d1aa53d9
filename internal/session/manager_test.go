package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/crossrequest/internal/api"
	"github.com/shehryarbajwa/crossrequest/internal/bridge"
	"github.com/shehryarbajwa/crossrequest/internal/broker"
	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/internal/proxy"
	"github.com/shehryarbajwa/crossrequest/internal/settings"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func network(r *http.Request) (*http.Response, error) {
	body := `{"ok":true}`
	if r.URL.Path == "/text" {
		body = "plain"
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

type testBroker struct {
	url      string
	proxy    *proxy.Server
	settings *settings.Store
}

func startBroker(t *testing.T) *testBroker {
	return startBrokerWith(t, roundTripFunc(network))
}

func startBrokerWith(t *testing.T, rt http.RoundTripper) *testBroker {
	t.Helper()
	store := settings.New(nil, nil)
	m := metrics.New()
	b := broker.New(store, broker.WithTransport(rt), broker.WithMetrics(m))
	ps := proxy.NewServer(b, m, nil)
	router := api.NewHandler(store, b.Rules(), nil).SetupRoutes(ps, m)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testBroker{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/bridge",
		proxy:    ps,
		settings: store,
	}
}

func TestPageRoundTrip(t *testing.T) {
	tb := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := Open(ctx, Options{BridgeURL: tb.url, ReconnectDelay: 50 * time.Millisecond})
	require.NoError(t, err)
	defer page.Close()

	resp, err := page.Fetch(ctx, models.Request{URL: "https://example.test/a", Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "*", resp.Header["access-control-allow-origin"])

	resp, err = page.Fetch(ctx, models.Request{URL: "https://example.test/text"})
	require.NoError(t, err)
	text, ok := resp.Text()
	require.True(t, ok)
	assert.Equal(t, "plain", text)

	assert.Zero(t, page.Client.Pending())
}

func TestPageHonorsConfiguredTimeout(t *testing.T) {
	slow := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		select {
		case <-time.After(2500 * time.Millisecond):
			return network(r)
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
	})
	tb := startBrokerWith(t, slow)

	timeout, retries := 1000, 0
	require.NoError(t, tb.settings.Update(context.Background(), models.ConfigPatch{
		Timeout:    &timeout,
		MaxRetries: &retries,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := Open(ctx, Options{BridgeURL: tb.url})
	require.NoError(t, err)
	defer page.Close()

	start := time.Now()
	_, err = page.Fetch(ctx, models.Request{URL: "https://example.test/slow"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPageValidationErrorCrossesRelay(t *testing.T) {
	tb := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := Open(ctx, Options{BridgeURL: tb.url})
	require.NoError(t, err)
	defer page.Close()

	_, err = page.Fetch(ctx, models.Request{URL: "ftp://example.test/a"})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestPageInvalidatedOnBrokerShutdown(t *testing.T) {
	tb := startBroker(t)

	var notices atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := Open(ctx, Options{
		BridgeURL:      tb.url,
		ReconnectDelay: 20 * time.Millisecond,
		Notifier:       bridge.NotifierFunc(func(string) { notices.Add(1) }),
	})
	require.NoError(t, err)
	defer page.Close()

	require.NoError(t, tb.proxy.Shutdown(ctx))

	require.Eventually(t, func() bool { return page.Bridge.State() == bridge.Invalidated },
		2*time.Second, 10*time.Millisecond)

	_, err = page.Client.Get("https://example.test/a")
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrInvalidated)
	assert.Equal(t, int32(1), notices.Load())
}

func TestOpenFailsWithoutBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Open(ctx, Options{BridgeURL: "ws://127.0.0.1:1/v1/bridge", ReconnectDelay: 20 * time.Millisecond})
	require.Error(t, err)

	_, err = Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestManagerTracksPages(t *testing.T) {
	tb := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewManager(Options{BridgeURL: tb.url})
	p1, err := m.Open(ctx)
	require.NoError(t, err)
	p2, err := m.Open(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, p1.Token, p2.Token)
	assert.Len(t, m.List(), 2)


	// both pages share the broker without seeing each other's callbacks
	r1, err := p1.Fetch(ctx, models.Request{URL: "https://example.test/a"})
	require.NoError(t, err)
	r2, err := p2.Fetch(ctx, models.Request{URL: "https://example.test/text"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(r1.Body))
	assert.JSONEq(t, `"plain"`, string(r2.Body))

	require.NoError(t, p1.Close())
	require.Len(t, m.List(), 1)
	assert.Same(t, p2, m.List()[0])

	m.CloseAll()
	assert.Empty(t, m.List())
}
