package handler

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/sse"
)

// WSHandler streams the same session events as EventsHandler over a
// WebSocket, one JSON-encoded sse.Event per text message.
type WSHandler struct {
	broker         *sse.Broker
	originPatterns []string
}

func NewWSHandler(broker *sse.Broker, originPatterns ...string) *WSHandler {
	return &WSHandler{broker: broker, originPatterns: originPatterns}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case <-client.Done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event := <-client.Events:
			payload, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal event")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}
