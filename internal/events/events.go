package events

import "time"

// Type 事件类型
type Type string

const (
	// 连接管理事件
	DeviceConnected    Type = "connected"
	DeviceFailover     Type = "failover"
	DeviceTimeout      Type = "timeout"
	DeviceDisconnected Type = "disconnected"
	QualityUpdate      Type = "quality_update"

	// 负载均衡事件
	ServerUnhealthy Type = "server:unhealthy"
	ServerRecovered Type = "server:recovered"

	// 熔断器事件
	CircuitOpen     Type = "circuit:open"
	CircuitHalfOpen Type = "circuit:half_open"
	CircuitClose    Type = "circuit:close"

	// 紧急事件
	EmergencyNew       Type = "emergency:new"
	EmergencyEscalated Type = "emergency:escalated"
	EmergencyResolved  Type = "emergency:resolved"
	ZoneCrowding       Type = "zone:crowding"
)

// Event 对外广播事件
// Payload 必须可 JSON 序列化，由外部 WebSocket 广播层消费
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New 构建事件
func New(t Type, payload map[string]interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
