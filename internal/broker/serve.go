package broker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// Conn is a message-oriented relay connection from one page session
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// ServeConn executes every fetch envelope read from conn and writes one
// callback envelope per request. Requests run concurrently; writes are
// serialized. It returns when conn fails or closes, after in-flight
// requests have been answered or abandoned.
func (b *Broker) ServeConn(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	var writeMu sync.Mutex

	reply := func(cb *models.CallbackEnvelope) {
		raw, err := json.Marshal(cb)
		if err != nil {
			b.log.Error("failed to encode callback", zap.String("requestId", cb.RequestID), zap.Error(err))
			return
		}

		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			b.log.Warn("failed to deliver callback", zap.String("requestId", cb.RequestID), zap.Error(err))
		}
	}

	g.Go(func() error {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return err
			}

			var env models.FetchEnvelope
			if err := json.Unmarshal(msg, &env); err != nil {
				b.log.Debug("dropping malformed envelope", zap.Error(err))
				continue
			}
			if env.NodeID == "" || (env.Type != "" && env.Type != models.TypeFetch) {
				b.log.Debug("dropping envelope", zap.String("type", env.Type))
				continue
			}

			g.Go(func() error {
				res, err := b.Execute(gctx, env.Req)
				cb, cerr := models.NewCallback(env.NodeID, env.Req.RequestID, res, err)
				if cerr != nil {
					b.log.Error("failed to build callback", zap.String("requestId", env.Req.RequestID), zap.Error(cerr))
					return nil
				}
				reply(cb)
				return nil
			})
		}
	})

	return g.Wait()
}
