package models

import "time"

// TransportRole 链路角色
type TransportRole string

const (
	TransportPrimary TransportRole = "primary" // 主链路
	TransportBackup  TransportRole = "backup"  // 备用链路
)

// ConnectionState 设备连接状态
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting" // 注册占位，主链路尚未建立
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDegraded     ConnectionState = "degraded" // 质量评分低于阈值
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// ConnectionStatus 设备连接状态快照（对外暴露）
type ConnectionStatus struct {
	DeviceID        string          `json:"device_id"`
	State           ConnectionState `json:"state"`
	Quality         float64         `json:"quality"`          // 质量评分 [0,100]
	ActiveTransport TransportRole   `json:"active_transport"` // 当前活动链路
	SignalStrength  float64         `json:"signal_strength"`  // 信号强度（dBm）
}

// DisconnectedStatus 未知设备的断连哨兵值
func DisconnectedStatus(deviceID string) ConnectionStatus {
	return ConnectionStatus{
		DeviceID: deviceID,
		State:    ConnectionDisconnected,
	}
}

// HeartbeatMessage 设备链路心跳消息
// 通过活动链路以 JSON 发送，type 取值 HEARTBEAT / BACKUP_HEARTBEAT
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewHeartbeatMessage 构建心跳消息
func NewHeartbeatMessage(role TransportRole) HeartbeatMessage {
	msgType := "HEARTBEAT"
	if role == TransportBackup {
		msgType = "BACKUP_HEARTBEAT"
	}
	return HeartbeatMessage{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}
