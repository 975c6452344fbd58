package realtime

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NewUpgrader accepts browser origins matching allowedOrigin. "*" accepts any
// origin and requests without an Origin header are always accepted.
func NewUpgrader(allowedOrigin string) websocket.Upgrader {
	allowed := strings.TrimRight(strings.TrimSpace(allowedOrigin), "/")
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed == "" || allowed == "*" {
				return true
			}
			return strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
		},
	}
}

// Serve upgrades the request and runs the connection until it closes. The
// caller authenticates the request before calling Serve.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, identity Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "realtime").Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, identity)
	h.mu.Lock()
	h.clients[client] = make(map[string]struct{})
	h.mu.Unlock()

	log.Debug().Str("component", "realtime").Str("client", client.ID()).Int64("user_id", identity.UserID).Msg("client connected")
	go client.writeLoop()
	client.readLoop()
	log.Debug().Str("component", "realtime").Str("client", client.ID()).Msg("client disconnected")
}
