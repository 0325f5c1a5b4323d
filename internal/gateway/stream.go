package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/wake"
)

const wsWriteTimeout = 5 * time.Second

// handleWakeStream implements GET /api/wakes/ws?trigger=NAME&ack=true.
// Each pending wake is sent as one JSON message. With ack=true a wake is
// acknowledged once the write succeeds.
func (s *Server) handleWakeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Clients only listen; CloseRead cancels ctx when they hang up.
	ctx := conn.CloseRead(r.Context())
	trigger := r.URL.Query().Get("trigger")
	watcher := wake.NewWatcher(wake.WatcherConfig{
		Store:        s.cfg.Store,
		Signal:       s.cfg.WakeSignal,
		TriggerName:  trigger,
		PollInterval: s.cfg.WakePollInterval,
		AutoAck:      r.URL.Query().Get("ack") == "true",
		Logger:       s.logger,
	})
	s.logger.Info("ws: wake stream opened", "trigger", trigger)
	err = watcher.Run(ctx, func(ctx context.Context, wk persistence.Wake) error {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, wk)
	})
	if err != nil {
		s.logger.Warn("ws: wake stream ended", "error", err)
	}
}
