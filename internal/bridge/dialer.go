package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the broker's relay endpoint over websocket
type WSDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection to URL
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return conn, nil
}
