package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeDeadline 单次写超时，防止慢速连接阻塞发送方
const writeDeadline = 5 * time.Second

// WebSocketFactory WebSocket 链路工厂（设备主链路）
type WebSocketFactory struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketFactory 创建 WebSocket 工厂
func NewWebSocketFactory(logger *zap.Logger) *WebSocketFactory {
	return &WebSocketFactory{
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Scheme 承载协议名
func (f *WebSocketFactory) Scheme() string {
	return "websocket"
}

// Open 建立 WebSocket 链路，超时由 ctx 控制
func (f *WebSocketFactory) Open(ctx context.Context, url string, handlers Handlers) (Transport, error) {
	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket %s: %w", url, err)
	}

	t := &webSocketTransport{
		conn:     conn,
		handlers: handlers,
		logger:   f.logger,
	}
	go t.readPump()

	return t, nil
}

// webSocketTransport 单条 WebSocket 链路
type webSocketTransport struct {
	conn     *websocket.Conn
	handlers Handlers
	logger   *zap.Logger

	sendMu    sync.Mutex // 保护对同一连接的并发写
	closeOnce sync.Once
}

// Send 发送文本帧
func (t *webSocketTransport) Send(payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("websocket send failed: %w", err)
	}
	return nil
}

// Close 发送关闭帧并断开
func (t *webSocketTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		t.sendMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// readPump 读取循环，错误与关闭通过回调上报
func (t *webSocketTransport) readPump() {
	defer func() {
		if t.handlers.OnClose != nil {
			t.handlers.OnClose()
		}
	}()

	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			if t.handlers.OnError != nil &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.handlers.OnError(err)
			}
			return
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(payload)
		}
	}
}
