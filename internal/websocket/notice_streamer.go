package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waypoint/backend/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Source is where the streamer takes its events from.
type Source interface {
	Subscribe(subject string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// NoticeStreamer pushes each actor's notices to its websocket connections.
// A client connects with ?actor=<id> and receives every CloudEvent whose
// subject is that actor.
type NoticeStreamer struct {
	source   Source
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]string
}

// NewNoticeStreamer creates a streamer reading from source.
func NewNoticeStreamer(source Source) *NoticeStreamer {
	return &NoticeStreamer{
		source:  source,
		clients: make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // game clients connect from arbitrary origins
			},
		},
	}
}

// HandleWebSocket upgrades the connection and streams notices until the
// client goes away.
func (ns *NoticeStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}

	conn, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "actor", actor, "error", err)
		return
	}

	ns.register(conn, actor)
	sub := ns.source.Subscribe(actor)
	done := make(chan struct{})

	go ns.readPump(conn, done)
	go ns.writePump(conn, sub, done)
}

func (ns *NoticeStreamer) register(conn *websocket.Conn, actor string) {
	ns.mu.Lock()
	ns.clients[conn] = actor
	n := len(ns.clients)
	ns.mu.Unlock()
	slog.Info("websocket client connected", "actor", actor, "total", n)
}

func (ns *NoticeStreamer) unregister(conn *websocket.Conn) {
	ns.mu.Lock()
	actor, ok := ns.clients[conn]
	delete(ns.clients, conn)
	n := len(ns.clients)
	ns.mu.Unlock()
	if ok {
		conn.Close()
		slog.Info("websocket client disconnected", "actor", actor, "total", n)
	}
}

// readPump only watches for the close frame and pongs.
func (ns *NoticeStreamer) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ns *NoticeStreamer) writePump(conn *websocket.Conn, sub chan *events.CloudEvent, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ns.source.Unsubscribe(sub)
		ns.unregister(conn)
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				slog.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of open connections.
func (ns *NoticeStreamer) Clients() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.clients)
}
