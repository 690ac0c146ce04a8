package connection

import "time"

// 质量评分权重：信号 0.4 + 延迟 0.3 + 稳定性 0.3，各分量归一化到 [0,100]
const (
	signalWeight    = 0.4
	latencyWeight   = 0.3
	stabilityWeight = 0.3

	// 信号强度线性映射区间（dBm）
	signalFloorDBm   = -90.0
	signalCeilingDBm = -50.0

	// 延迟分量的惩罚窗口
	latencyWindow = 1000 * time.Millisecond

	// 低于该评分触发纠正动作
	qualityActionThreshold = 50.0
)

// computeQuality 计算综合质量评分
func computeQuality(signalStrength float64, sinceHeartbeat time.Duration, reconnectAttempts, maxReconnectAttempts int) float64 {
	signal := signalScore(signalStrength)
	latency := latencyScore(sinceHeartbeat)
	stability := stabilityScore(reconnectAttempts, maxReconnectAttempts)

	return clamp(signalWeight*signal + latencyWeight*latency + stabilityWeight*stability)
}

// signalScore dBm 线性映射到 [0,100]
func signalScore(dbm float64) float64 {
	return clamp((dbm - signalFloorDBm) / (signalCeilingDBm - signalFloorDBm) * 100)
}

// latencyScore 按距上次心跳的时长在 1000ms 窗口内惩罚
func latencyScore(sinceHeartbeat time.Duration) float64 {
	ratio := float64(sinceHeartbeat) / float64(latencyWindow)
	return clamp(100 - ratio*100)
}

// stabilityScore 按近期重连次数相对上限惩罚
func stabilityScore(attempts, maxAttempts int) float64 {
	if maxAttempts <= 0 {
		return 100
	}
	return clamp(100 - float64(attempts)/float64(maxAttempts)*100)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
