package broadcast

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The subscriber-facing endpoint is read-only from the browser's
	// perspective; same-origin is not assumed since dashboards may be
	// served from a different host than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ServeWS upgrades the request to a websocket and streams every topic
// named in the "topics" query parameter (comma-separated), resuming
// from "since_sequence" (a matching comma-separated list of
// topic:sequence pairs) when present, per spec §6's subscribe endpoint.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		http.Error(w, "missing topics query parameter", http.StatusBadRequest)
		return
	}
	topics := strings.Split(topicsParam, ",")

	sinceSeq := make(map[string]uint64)
	for _, pair := range strings.Split(r.URL.Query().Get("since_sequence"), ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if seq, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
			sinceSeq[parts[0]] = seq
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("broadcast: websocket upgrade failed")
		return
	}

	sub, err := h.Subscribe(r.Context(), topics, sinceSeq)
	if err != nil {
		log.Error().Err(err).Msg("broadcast: subscribe failed")
		conn.Close()
		return
	}

	go h.pump(conn, sub)
}

// pump writes subscription events to conn until the connection drops,
// the subscription is evicted, or the client disconnects — mirroring
// the teacher's ping/pong keepalive idiom in its websocket client.
func (h *Hub) pump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	defer conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain (and discard) client reads purely to service pong frames
	// and detect disconnects; the protocol is publish-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		select {
		case entry := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-sub.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
