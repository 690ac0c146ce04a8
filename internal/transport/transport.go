package transport

import "context"

// Handlers 链路生命周期回调
// 回调由链路自己的读取 goroutine 调用，实现方不得阻塞
type Handlers struct {
	OnMessage func(payload []byte)
	OnError   func(err error)
	OnClose   func()
}

// Transport 一条已建立的设备链路
type Transport interface {
	// Send 通过链路发送载荷
	Send(payload []byte) error
	// Close 关闭链路并释放资源
	Close(code int, reason string) error
}

// Factory 链路工厂端口
// WebSocket 与 MQTT 等不同承载共用同一抽象，连接管理器不感知具体协议
type Factory interface {
	// Open 在超时约束下建立链路
	Open(ctx context.Context, url string, handlers Handlers) (Transport, error)
	// Scheme 工厂承载协议名（用于日志与熔断器命名）
	Scheme() string
}
