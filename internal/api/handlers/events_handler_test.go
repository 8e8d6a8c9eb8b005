package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEvents(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestEventsHandler_BroadcastToClient(t *testing.T) {
	handler := NewEventsHandler(newTestLogger())
	handler.Start()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/ws/events", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialEvents(t, server)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "客户端应完成注册")

	handler.BroadcastScanCompleted("scan-1", "demo.apk", []string{"ANDROID_DALVIK", "UNITY"}, 430)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event ScanEvent
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, "scan_completed", event.Type)
	assert.Equal(t, "scan-1", event.ScanID)
	assert.Equal(t, "demo.apk", event.PackageName)
	assert.Equal(t, []string{"ANDROID_DALVIK", "UNITY"}, event.SDKs)
	assert.Equal(t, int64(430), event.DurationMS)
	assert.NotZero(t, event.Timestamp)
}

func TestEventsHandler_FailureEvent(t *testing.T) {
	handler := NewEventsHandler(newTestLogger())
	handler.Start()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/ws/events", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialEvents(t, server)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.BroadcastScanFailed("scan-2", "broken.apk", "bad_archive", "not a zip archive")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event ScanEvent
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, "scan_failed", event.Type)
	assert.Equal(t, "bad_archive", event.FailureType)
	assert.Equal(t, "not a zip archive", event.Message)
	assert.Empty(t, event.SDKs)
}

func TestEventsHandler_ClientDisconnect(t *testing.T) {
	handler := NewEventsHandler(newTestLogger())
	handler.Start()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/ws/events", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialEvents(t, server)
	require.Eventually(t, func() bool {
		return handler.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "断开的客户端应被摘除")
}

func TestEventsHandler_DropWhenChannelFull(t *testing.T) {
	// 广播协程未启动，通道填满后事件被丢弃而不是阻塞
	handler := NewEventsHandler(newTestLogger())

	for i := 0; i < 150; i++ {
		handler.BroadcastScanStarted("scan-1", "demo.apk")
	}

	assert.Equal(t, 100, len(handler.broadcast))
}
