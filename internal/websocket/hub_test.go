package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/pkg/models"
)

func setupHub(t *testing.T, origins ...string) (*Hub, *httptest.Server, *auth.TokenManager) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	hub := NewHub(tokens, origins, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server, tokens
}

func wsURL(server *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
}

func issue(t *testing.T, tokens *auth.TokenManager, role models.Role) string {
	t.Helper()
	token, err := tokens.Issue(&models.User{ID: "u-" + string(role), Email: string(role) + "@foodin.com", Role: role})
	require.NoError(t, err)
	return token
}

func TestAdminReceivesBroadcasts(t *testing.T) {
	hub, server, tokens := setupHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, issue(t, tokens, models.RoleAdmin)), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("order.created", map[string]string{"orderId": "o-1"}, "foodin-api")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "order.created", msg.Type)
	assert.Equal(t, "foodin-api", msg.Source)
	assert.Equal(t, map[string]interface{}{"orderId": "o-1"}, msg.Data)
	assert.NotEmpty(t, msg.Timestamp)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandshakeRequiresAdminToken(t *testing.T) {
	_, server, tokens := setupHub(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"customer token", issue(t, tokens, models.RoleUser), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, tt.token), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandshakeChecksOrigin(t *testing.T) {
	hub, server, tokens := setupHub(t, "http://admin.foodin.local")
	token := issue(t, tokens, models.RoleAdmin)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), header)
	require.Error(t, err)

	header.Set("Origin", "http://admin.foodin.local")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	hub := NewHub(tokens, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, issue(t, tokens, models.RoleAdmin)), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	assert.Equal(t, 0, hub.GetClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "unexpected error: %v", err)
}
