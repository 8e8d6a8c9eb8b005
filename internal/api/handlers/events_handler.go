package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ScanEvent 扫描生命周期事件，推送给 WebSocket 客户端
type ScanEvent struct {
	Type        string   `json:"type"` // scan_started / scan_completed / scan_failed
	ScanID      string   `json:"scan_id"`
	PackageName string   `json:"package_name"`
	SDKs        []string `json:"sdks,omitempty"`
	DurationMS  int64    `json:"duration_ms,omitempty"`
	FailureType string   `json:"failure_type,omitempty"`
	Message     string   `json:"message,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// EventsHandler 扫描事件实时推送处理器
type EventsHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]bool
	clientMutex sync.RWMutex
	broadcast   chan ScanEvent
}

// NewEventsHandler 创建事件推送处理器
func NewEventsHandler(logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许跨域（管理界面部署在其他端口）
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan ScanEvent, 100),
	}
}

// Start 启动广播协程
func (h *EventsHandler) Start() {
	go h.runBroadcaster()
	h.logger.Info("✅ Scan event broadcaster started")
}

// runBroadcaster 持续消费广播通道，把事件推送给所有客户端
func (h *EventsHandler) runBroadcaster() {
	for event := range h.broadcast {
		// 先在读锁下拷贝连接快照，写失败的连接稍后统一摘除
		h.clientMutex.RLock()
		conns := make([]*websocket.Conn, 0, len(h.clients))
		for conn := range h.clients {
			conns = append(conns, conn)
		}
		h.clientMutex.RUnlock()

		var failed []*websocket.Conn
		for _, conn := range conns {
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warnf("⚠️ Failed to push event to client: %v", err)
				failed = append(failed, conn)
			}
		}

		if len(failed) > 0 {
			h.clientMutex.Lock()
			for _, conn := range failed {
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /api/ws/events
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientMutex.Unlock()

	h.logger.Infof("✅ Event client connected, total clients: %d", count)

	// 读循环只用于感知断开，客户端不需要发送数据
	defer func() {
		h.clientMutex.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.clientMutex.Unlock()
		conn.Close()
		h.logger.Infof("Event client disconnected, remaining clients: %d", remaining)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount 当前连接的客户端数量
func (h *EventsHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// publish 投递事件到广播通道，通道满时丢弃而不是阻塞扫描流程
func (h *EventsHandler) publish(event ScanEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("⚠️ Event broadcast channel is full, dropping event")
	}
}

// BroadcastScanStarted 推送扫描开始事件
func (h *EventsHandler) BroadcastScanStarted(scanID, packageName string) {
	h.publish(ScanEvent{
		Type:        "scan_started",
		ScanID:      scanID,
		PackageName: packageName,
		Timestamp:   time.Now().Unix(),
	})
}

// BroadcastScanCompleted 推送扫描完成事件
func (h *EventsHandler) BroadcastScanCompleted(scanID, packageName string, sdks []string, durationMS int64) {
	h.publish(ScanEvent{
		Type:        "scan_completed",
		ScanID:      scanID,
		PackageName: packageName,
		SDKs:        sdks,
		DurationMS:  durationMS,
		Timestamp:   time.Now().Unix(),
	})
}

// BroadcastScanFailed 推送扫描失败事件
func (h *EventsHandler) BroadcastScanFailed(scanID, packageName, failureType, message string) {
	h.publish(ScanEvent{
		Type:        "scan_failed",
		ScanID:      scanID,
		PackageName: packageName,
		FailureType: failureType,
		Message:     message,
		Timestamp:   time.Now().Unix(),
	})
}
