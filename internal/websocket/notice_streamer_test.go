package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypoint/backend/internal/events"
)

func dial(t *testing.T, srv *httptest.Server, actor string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?actor=" + actor
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNoticeStreamer_DeliversOnlyOwnNotices(t *testing.T) {
	bus := events.NewEventBus()
	ns := NewNoticeStreamer(bus)
	srv := httptest.NewServer(http.HandlerFunc(ns.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Emit(events.NoticeType, "test", "bob", map[string]interface{}{"key": "for.bob"})
	bus.Emit(events.NoticeType, "test", "alice", map[string]interface{}{"key": "for.alice"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.CloudEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "for.alice", got.Data["key"])
}

func TestNoticeStreamer_UnsubscribesOnClose(t *testing.T) {
	bus := events.NewEventBus()
	ns := NewNoticeStreamer(bus)
	srv := httptest.NewServer(http.HandlerFunc(ns.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return ns.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return ns.Clients() == 0 && bus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoticeStreamer_RequiresActor(t *testing.T) {
	ns := NewNoticeStreamer(events.NewEventBus())
	rec := httptest.NewRecorder()
	ns.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 400, rec.Code)
}
