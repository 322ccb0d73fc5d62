package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// control is an observer frame changing its device filter.
type control struct {
	Action   string `json:"action"` // join or leave
	DeviceID string `json:"device_id"`
}

// ServeWS upgrades the request and streams events as JSON text frames.
// Query: ?device=<id> (repeatable) and/or ?all=1. Observers may send
// {"action":"join"|"leave","device_id":"..."} frames afterwards.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin(allowedOrigins)}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("observer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	q := r.URL.Query()
	all := q.Get("all") == "1" || strings.EqualFold(q.Get("all"), "true")
	sub := h.Subscribe(all, q["device"]...)
	h.log.Debug("observer connected", "remote", r.RemoteAddr, "all", all, "devices", q["device"])

	go h.writePump(conn, sub)
	go func() {
		defer func() {
			sub.Close()
			h.log.Debug("observer disconnected", "remote", r.RemoteAddr)
		}()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var c control
			if json.Unmarshal(msg, &c) != nil {
				continue
			}
			switch c.Action {
			case "join":
				sub.Join(c.DeviceID)
			case "leave":
				sub.Leave(c.DeviceID)
			}
		}
	}()
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case e, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				sub.Close()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}

// checkOrigin accepts listed origins; with no list it falls back to gorilla's same-host check.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
