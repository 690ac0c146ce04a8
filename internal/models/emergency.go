package models

import "time"

// EmergencyStatus 紧急事件状态
// 状态单调推进，RESOLVED 为终态
type EmergencyStatus string

const (
	EmergencyActive     EmergencyStatus = "ACTIVE"
	EmergencyResponding EmergencyStatus = "RESPONDING"
	EmergencyEscalated  EmergencyStatus = "ESCALATED"
	EmergencyResolved   EmergencyStatus = "RESOLVED"
)

// Emergency 紧急事件
type Emergency struct {
	ID                string          `json:"id"`
	DeviceID          string          `json:"device_id"`
	ZoneID            string          `json:"zone_id"`
	Status            EmergencyStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ResponseStartedAt *time.Time      `json:"response_started_at,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	ResponseTime      *time.Duration  `json:"response_time,omitempty"` // 仅在首次进入 RESPONDING 时写入一次
	NearbyResponders  []Responder     `json:"nearby_responders"`
}

// Responder 候选响应人员（按距离升序排列）
type Responder struct {
	UserID     string  `json:"user_id"`
	DeviceID   string  `json:"device_id"`
	ZoneID     string  `json:"zone_id"`
	DistanceKm float64 `json:"distance_km"`
}

// SecurityUser 在岗安保人员（持久层返回）
type SecurityUser struct {
	UserID   string
	DeviceID string
	Role     string
	Status   string
}

// EphemeralLocation 临时位置记录
// 仅在设备存在活动紧急事件期间存在，到达 TTL 后无条件过期
type EphemeralLocation struct {
	DeviceID  string    `json:"device_id"`
	ZoneID    string    `json:"zone_id"`
	Location  *GeoPoint `json:"location,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ZoneOccupancy 区域匿名占用统计
type ZoneOccupancy struct {
	ZoneID   string `json:"zone_id"`
	Count    int    `json:"count"`
	Crowded  bool   `json:"crowded"` // count >= CrowdingRatio * ZoneMaxCapacity
	Capacity int    `json:"capacity"`
}
