package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nightguard-core/internal/events"
	"nightguard-core/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrNoHealthyNode 池中无健康节点
var ErrNoHealthyNode = errors.New("no healthy node available")

// Options 负载均衡参数
type Options struct {
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	MinSuccessCount int // 连续成功该次数后标记健康
	MaxErrorCount   int // 连续失败该次数后标记不健康
}

// node 池中单个后端节点
// 每个节点持有自己的锁，互不相关的健康翻转不会互相串行化
type node struct {
	url      string
	weight   float64
	location *models.GeoPoint

	mu                 sync.Mutex
	currentConnections int
	health             models.NodeHealth
}

// Balancer 健康与地理感知的节点选择器
// 节点池在启动时注册，运行期间不增删
type Balancer struct {
	opts       Options
	httpClient *resty.Client
	emitter    *events.Emitter
	logger     *zap.Logger

	mu    sync.RWMutex
	nodes []*node          // 注册顺序，保证选择的确定性
	byURL map[string]*node // url → node
}

// New 创建负载均衡器
func New(opts Options, emitter *events.Emitter, logger *zap.Logger) *Balancer {
	client := resty.New().
		SetTimeout(opts.ProbeTimeout).
		SetHeader("Accept", "application/json")

	return &Balancer{
		opts:       opts,
		httpClient: client,
		emitter:    emitter,
		logger:     logger,
		byURL:      make(map[string]*node),
	}
}

// AddNode 注册后端节点（启动阶段调用）
// 新节点初始视为健康，首轮探测后按滞回规则修正
func (b *Balancer) AddNode(url string, weight float64, location *models.GeoPoint) error {
	if weight <= 0 {
		return fmt.Errorf("node weight must be positive: %s", url)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byURL[url]; exists {
		return fmt.Errorf("node already registered: %s", url)
	}

	n := &node{
		url:      url,
		weight:   weight,
		location: location,
		health:   models.NodeHealth{IsHealthy: true},
	}
	b.nodes = append(b.nodes, n)
	b.byURL[url] = n

	b.logger.Info("Server node registered",
		zap.String("url", url),
		zap.Float64("weight", weight),
	)

	return nil
}

// SelectNode 选出得分最低的健康节点并占用一个连接名额
// 得分 = 连接数/权重 + 延迟毫秒/1000 + 地理距离公里/1000（有调用方坐标时）
func (b *Balancer) SelectNode(clientLocation *models.GeoPoint) (string, error) {
	b.mu.RLock()
	nodes := b.nodes
	b.mu.RUnlock()

	var best *node
	bestScore := 0.0

	for _, n := range nodes {
		n.mu.Lock()
		if !n.health.IsHealthy {
			n.mu.Unlock()
			continue
		}

		score := float64(n.currentConnections)/n.weight +
			float64(n.health.Latency.Milliseconds())/1000
		if clientLocation != nil && n.location != nil {
			score += HaversineKm(*clientLocation, *n.location) / 1000
		}
		n.mu.Unlock()

		if best == nil || score < bestScore {
			best = n
			bestScore = score
		}
	}

	if best == nil {
		return "", ErrNoHealthyNode
	}

	best.mu.Lock()
	best.currentConnections++
	best.mu.Unlock()

	return best.url, nil
}

// Release 归还连接名额
func (b *Balancer) Release(url string) {
	b.mu.RLock()
	n, ok := b.byURL[url]
	b.mu.RUnlock()
	if !ok {
		return
	}

	n.mu.Lock()
	if n.currentConnections > 0 {
		n.currentConnections--
	}
	n.mu.Unlock()
}

// Start 启动周期健康探测，随 ctx 取消而停止
func (b *Balancer) Start(ctx context.Context) {
	ticker := time.NewTicker(b.opts.ProbeInterval)
	defer ticker.Stop()

	b.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Balancer probe loop stopped")
			return
		case <-ticker.C:
			b.probeAll(ctx)
		}
	}
}

// probeAll 对所有节点并发探测
func (b *Balancer) probeAll(ctx context.Context) {
	b.mu.RLock()
	nodes := b.nodes
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			b.probe(ctx, n)
		}(n)
	}
	wg.Wait()
}

// probe 单节点健康检查
func (b *Balancer) probe(ctx context.Context, n *node) {
	start := time.Now()
	resp, err := b.httpClient.R().SetContext(ctx).Get(n.url + "/health")
	latency := time.Since(start)

	if err != nil || resp.StatusCode() != 200 {
		b.recordProbeFailure(n)
		return
	}
	b.recordProbeSuccess(n, latency)
}

// recordProbeSuccess 记录探测成功（滞回：连续成功达到阈值才翻转健康）
// 事件在锁外发射：订阅者可能回读 Stats，持锁发射会死锁
func (b *Balancer) recordProbeSuccess(n *node, latency time.Duration) {
	n.mu.Lock()
	n.health.Latency = latency
	n.health.SuccessCount++
	n.health.ErrorCount = 0
	n.health.LastProbedAt = time.Now()

	recovered := !n.health.IsHealthy && n.health.SuccessCount >= b.opts.MinSuccessCount
	if recovered {
		n.health.IsHealthy = true
	}
	n.mu.Unlock()

	if recovered {
		b.emitter.Emit(events.ServerRecovered, map[string]interface{}{
			"url": n.url,
		})
		b.logger.Info("Server node recovered",
			zap.String("url", n.url),
		)
	}
}

// recordProbeFailure 记录探测失败（滞回：连续失败达到阈值才翻转不健康）
func (b *Balancer) recordProbeFailure(n *node) {
	n.mu.Lock()
	n.health.ErrorCount++
	n.health.SuccessCount = 0
	n.health.LastProbedAt = time.Now()

	errorCount := n.health.ErrorCount
	failed := n.health.IsHealthy && n.health.ErrorCount >= b.opts.MaxErrorCount
	if failed {
		n.health.IsHealthy = false
	}
	n.mu.Unlock()

	if failed {
		b.emitter.Emit(events.ServerUnhealthy, map[string]interface{}{
			"url":         n.url,
			"error_count": errorCount,
		})
		b.logger.Warn("Server node unhealthy",
			zap.String("url", n.url),
			zap.Int("error_count", errorCount),
		)
	}
}

// Stats 聚合统计快照（容忍并发修改，非严格一致）
func (b *Balancer) Stats() models.BalancerStats {
	b.mu.RLock()
	nodes := b.nodes
	b.mu.RUnlock()

	stats := models.BalancerStats{
		TotalNodes: len(nodes),
		Nodes:      make([]models.NodeSnapshot, 0, len(nodes)),
	}

	for _, n := range nodes {
		n.mu.Lock()
		snapshot := models.NodeSnapshot{
			URL:                n.url,
			Weight:             n.weight,
			CurrentConnections: n.currentConnections,
			Location:           n.location,
			Health:             n.health,
		}
		n.mu.Unlock()

		stats.TotalConnections += snapshot.CurrentConnections
		if snapshot.Health.IsHealthy {
			stats.HealthyNodes++
		}
		stats.Nodes = append(stats.Nodes, snapshot)
	}

	return stats
}
