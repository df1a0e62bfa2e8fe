package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/logger"
)

// Hub WebSocket连接管理中心
// 只做单向状态推送：设备连接状态、投币事件、出币/出纸结果。
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 最近一次设备状态快照，新连接补发
	lastStatus   json.RawMessage
	lastStatusMu sync.RWMutex

	cfg    *config.WebSocketConfig
	logger *zap.Logger
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"

	// 设备消息
	MessageTypeStatus   = "status"
	MessageTypeCoinIn   = "coin_in"
	MessageTypeDispense = "dispense"
)

// NewHub 创建Hub
func NewHub(cfg *config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cfg:        cfg,
		logger:     logger.GetModuleLogger("websocket"),
	}
}

// Run 运行Hub
func (h *Hub) Run() {
	// 启动心跳
	go h.runHeartbeat()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr))

	// 发送连接成功消息
	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
		Data:      json.RawMessage(`{"message":"连接成功"}`),
	}
	h.SendToClient(client.ID, msg)

	// 补发最近一次设备状态，面板不用等下一次状态变化
	h.lastStatusMu.RLock()
	last := h.lastStatus
	h.lastStatusMu.RUnlock()
	if last != nil {
		h.SendToClient(client.ID, &Message{
			Type:      MessageTypeStatus,
			Data:      last,
			Timestamp: time.Now().Unix(),
		})
	}
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开",
		zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			// 发送缓冲区满，丢弃这一条
			h.logger.Warn("客户端发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	client, ok := h.clients[clientID]
	h.clientsMu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// PushStatus 推送设备状态并更新快照
func (h *Hub) PushStatus(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("序列化状态失败", zap.Error(err))
		return
	}

	h.lastStatusMu.Lock()
	h.lastStatus = data
	h.lastStatusMu.Unlock()

	h.Broadcast(&Message{
		Type:      MessageTypeStatus,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	logger.LogWebSocketMessage("send", MessageTypeStatus, string(data))
}

// PushCoinIn 推送投币事件
func (h *Hub) PushCoinIn(payload interface{}) {
	h.push(MessageTypeCoinIn, payload)
}

// PushDispense 推送出币/出纸结果
func (h *Hub) PushDispense(payload interface{}) {
	h.push(MessageTypeDispense, payload)
}

func (h *Hub) push(msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("序列化推送消息失败",
			zap.String("type", msgType),
			zap.Error(err))
		return
	}

	h.Broadcast(&Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	logger.LogWebSocketMessage("send", msgType, string(data))
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// runHeartbeat 周期性广播应用层心跳
func (h *Hub) runHeartbeat() {
	interval := h.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		<-ticker.C
		ping := &Message{
			Type:      MessageTypePing,
			Timestamp: time.Now().Unix(),
		}
		h.broadcast <- ping
	}
}

// Broadcast 广播消息（公开方法）
func (h *Hub) Broadcast(message *Message) {
	h.broadcast <- message
}

// Register 注册客户端（公开方法）
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端（公开方法）
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Shutdown 关闭所有客户端连接
// http.Server.Shutdown不会关闭已升级的连接，停机时单独处理。
func (h *Hub) Shutdown() {
	h.clientsMu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		conns = append(conns, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range conns {
		client.Conn.Close()
	}
}
