package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
)

func dialHub(t *testing.T, hub *AlertHub, orgID string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Subscribe(w, r, orgID))
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAlert(t *testing.T, conn *websocket.Conn) *auditsvc.SecurityAlert {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var alert auditsvc.SecurityAlert
	require.NoError(t, conn.ReadJSON(&alert))
	return &alert
}

func TestAlertHub_DeliversToOrgSubscribers(t *testing.T) {
	hub := NewAlertHub(zap.NewNop(), DefaultHubConfig())
	defer hub.Close()

	conn := dialHub(t, hub, "org-1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	sent := auditsvc.NewSecurityAlert(auditsvc.SystemClock(), "org-1", "u-1",
		auditsvc.AlertKindBulkAccess, auditsvc.AlertSeverityHigh,
		"bulk record access detected")
	require.NoError(t, hub.Dispatch(context.Background(), sent))

	got := readAlert(t, conn)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, auditsvc.AlertKindBulkAccess, got.Kind)
	assert.Equal(t, auditsvc.AlertSeverityHigh, got.Severity)
}

func TestAlertHub_ScopesAlertsByOrg(t *testing.T) {
	hub := NewAlertHub(zap.NewNop(), DefaultHubConfig())
	defer hub.Close()

	other := dialHub(t, hub, "org-2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	alert := auditsvc.NewSecurityAlert(auditsvc.SystemClock(), "org-1", "u-1",
		auditsvc.AlertKindOffHoursAccess, auditsvc.AlertSeverityMedium,
		"off-hours access")
	require.NoError(t, hub.Dispatch(context.Background(), alert))

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var received auditsvc.SecurityAlert
	err := other.ReadJSON(&received)
	assert.Error(t, err, "subscriber of another org must not receive the alert")
}

func TestAlertHub_DropsSlowSubscriber(t *testing.T) {
	config := DefaultHubConfig()
	config.ClientBufferSize = 1
	hub := NewAlertHub(zap.NewNop(), config)
	defer hub.Close()

	// register a client directly so nothing drains its buffer
	c := &client{
		orgID: "org-1",
		send:  make(chan *auditsvc.SecurityAlert, config.ClientBufferSize),
	}
	hub.clients[c.id] = c

	alert := auditsvc.NewSecurityAlert(auditsvc.SystemClock(), "org-1", "u-1",
		auditsvc.AlertKindChainIntegrity, auditsvc.AlertSeverityCritical, "break")

	require.NoError(t, hub.Dispatch(context.Background(), alert))
	require.NoError(t, hub.Dispatch(context.Background(), alert))

	assert.Zero(t, hub.ClientCount(), "a client with a full buffer is dropped")
}
