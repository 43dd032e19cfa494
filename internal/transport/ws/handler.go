package ws

import (
	"context"
	"net/http"

	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/internal/session"
	"github.com/vedran77/courtside/internal/transport/http/middleware"
	"github.com/vedran77/courtside/pkg/logger"
	"nhooyr.io/websocket"
)

type Deps struct {
	Store      session.Store
	Subscriber session.Subscriber
	Sender     Sender
	// Badge may be nil.
	Badge     session.BadgeSink
	JWTSecret string
}

// ServeWS returns an HTTP handler that upgrades to WebSocket.
// Auth is done via ?token=xxx query param (WebSocket can't send headers).
// The handler runs the connection's session until the client disconnects.
func ServeWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		id, err := middleware.ParseToken(deps.JWTSecret, tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // Allow any origin (dev mode)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("ws: accept error")
			return
		}

		metrics.ActiveConnections.Inc()
		defer metrics.ActiveConnections.Dec()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		client := NewClient(conn, id.UserID, deps.Sender)
		sess := session.New(id.UserID, deps.Store, deps.Subscriber, client, deps.Badge)
		client.Attach(sess)

		go client.WritePump(ctx)

		if err := sess.Start(ctx); err != nil {
			logger.Error().Err(err).Stringer("user_id", id.UserID).Msg("ws: initial sync failed")
			conn.Close(websocket.StatusInternalError, "initial sync failed")
			return
		}
		defer sess.Close()

		logger.Debug().Stringer("user_id", id.UserID).Msg("ws: client connected")
		client.ReadPump(ctx)
	}
}
