package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/:user", func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.Param("user"))
		c.Next()
	}, hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) Notification {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var n Notification
	require.NoError(t, json.Unmarshal(msg, &n))
	return n
}

func TestHub_DeliversOnlyToRecipient(t *testing.T) {
	hub, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return hub.connected("alice") && hub.connected("bob") }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), Notification{UserID: "alice", Kind: KindWalletFunded, Reference: "chk_1"}))
	n := readNotification(t, alice)
	assert.Equal(t, "chk_1", n.Reference)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err)
}

func TestHub_SubscriptionFiltersKinds(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "carol")
	require.Eventually(t, func() bool { return hub.connected("carol") }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Subscription{Kinds: []Kind{KindWithdrawalCompleted}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients["carol"] {
			return !c.wants(KindWalletFunded)
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), Notification{UserID: "carol", Kind: KindWalletFunded}))
	require.NoError(t, hub.Send(context.Background(), Notification{UserID: "carol", Kind: KindWithdrawalCompleted, Reference: "wd_1"}))

	n := readNotification(t, conn)
	assert.Equal(t, KindWithdrawalCompleted, n.Kind)
}

func TestHub_UnknownUserIsSkipped(t *testing.T) {
	hub, _ := startHub(t)
	assert.NoError(t, hub.Send(context.Background(), Notification{UserID: "nobody"}))
	assert.Equal(t, 0, hub.Stats()["connectedClients"])
}

func TestHub_RequiresUser(t *testing.T) {
	hub := NewHub(nil)
	r := gin.New()
	r.GET("/v1/ws", hub.HandleWebSocket)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHub_CheckOrigin(t *testing.T) {
	hub := NewHub([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/ws", nil)

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, hub.upgrader.CheckOrigin(req))
}
