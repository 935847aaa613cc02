package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tallywire/tallywire/internal/observability"
	"github.com/tallywire/tallywire/internal/schema"
)

const liveWriteTimeout = 5 * time.Second

// live upgrades the request to a websocket, writes the full snapshot once,
// then streams one event per store mutation until the peer disconnects.
// Snapshot capture and stream attach happen atomically inside the store, so
// the client sees no gap and no duplicate between the two.
func (s *httpServer) live(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Debug("live: websocket accept failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	// The live channel is broadcast-only; CloseRead discards inbound frames
	// and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	snapshot, id, events := s.store.Subscribe(ctx)
	s.metrics.SubscriberAttached(ctx)
	observability.Log().Info("live: subscriber attached",
		observability.Field{Key: "subscription", Value: string(id)},
		observability.Field{Key: "records", Value: len(snapshot)})

	defer func() {
		s.store.Unsubscribe(id)
		s.metrics.SubscriberDetached(context.WithoutCancel(ctx))
		_ = conn.Close(websocket.StatusNormalClosure, "")
		observability.Log().Info("live: subscriber detached",
			observability.Field{Key: "subscription", Value: string(id)})
	}()

	initial := &schema.Event{
		Kind:      schema.EventSnapshot,
		Snapshot:  snapshot,
		EmittedAt: time.Now().UTC(),
	}
	if err := writeEvent(ctx, conn, initial); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *schema.Event) error {
	buf, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, buf)
}
