package models

import "time"

// GeoPoint 地理坐标（纬度/经度，单位：度）
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NodeHealth 后端节点健康状态
// 健康标志带滞回：连续失败 >= MaxErrorCount 才翻转为不健康，
// 连续成功 >= MinSuccessCount 才翻转回健康，避免抖动
type NodeHealth struct {
	Latency      time.Duration `json:"latency"`
	IsHealthy    bool          `json:"is_healthy"`
	ErrorCount   int           `json:"error_count"`   // 连续失败次数
	SuccessCount int           `json:"success_count"` // 连续成功次数
	LastProbedAt time.Time     `json:"last_probed_at"`
}

// NodeSnapshot 单个节点状态快照（用于 Stats 聚合）
type NodeSnapshot struct {
	URL                string     `json:"url"`
	Weight             float64    `json:"weight"`
	CurrentConnections int        `json:"current_connections"`
	Location           *GeoPoint  `json:"location,omitempty"`
	Health             NodeHealth `json:"health"`
}

// BalancerStats 负载均衡聚合统计
type BalancerStats struct {
	TotalConnections int            `json:"total_connections"`
	HealthyNodes     int            `json:"healthy_nodes"`
	TotalNodes       int            `json:"total_nodes"`
	Nodes            []NodeSnapshot `json:"nodes"`
}
