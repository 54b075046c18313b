package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := NewManager(zap.NewNop())
	router := gin.New()
	manager.RegisterRoutes(router.Group("/api/v1"))

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Close()
		server.Close()
	})
	return manager, server
}

func dial(t *testing.T, server *httptest.Server, userID string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/events/ws"
	header := http.Header{}
	header.Set("X-User-ID", userID)

	conn, _, err := gorilla.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) notifications.WebSocketMessage {
	t.Helper()
	var msg notifications.WebSocketMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestManager_PublishRoutesToRecipients(t *testing.T) {
	manager, server := newTestServer(t)

	alice := dial(t, server, "alice")
	bob := dial(t, server, "bob")

	assert.Equal(t, notifications.WSMessageTypeStatus, readMessage(t, alice).Type)
	assert.Equal(t, notifications.WSMessageTypeStatus, readMessage(t, bob).Type)
	require.Eventually(t, func() bool { return manager.GetConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	event := notifications.NewEvent(notifications.EventAchievementUnlocked, "first_property",
		map[string]interface{}{"achievement": "first_property"}, "alice")
	require.NoError(t, manager.Publish(context.Background(), event))

	msg := readMessage(t, alice)
	assert.Equal(t, notifications.WSMessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, event.ID, msg.Event.ID)
	assert.Equal(t, "alice", msg.Target)

	// bob receives nothing
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var none notifications.WebSocketMessage
	assert.Error(t, bob.ReadJSON(&none))
}

func TestManager_OfflineRecipientIsSkipped(t *testing.T) {
	manager, _ := newTestServer(t)

	event := notifications.NewEvent(notifications.EventRequestStatusChanged, "req-1", nil, "nobody")
	assert.NoError(t, manager.Publish(context.Background(), event))
	assert.Error(t, manager.SendToUser("nobody", notifications.WebSocketMessage{Type: notifications.WSMessageTypeEvent}))
}

func TestManager_RejectsMissingUser(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/events/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManager_DisconnectUnregisters(t *testing.T) {
	manager, server := newTestServer(t)

	conn := dial(t, server, "carol")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return manager.UserConnectionCount("carol") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return manager.UserConnectionCount("carol") == 0 }, 2*time.Second, 10*time.Millisecond)
}
