package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nightguard-core/internal/events"
	"nightguard-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBalancerOptions() Options {
	return Options{
		ProbeInterval:   20 * time.Millisecond,
		ProbeTimeout:    50 * time.Millisecond,
		MinSuccessCount: 2,
		MaxErrorCount:   3,
	}
}

func newTestBalancer(t *testing.T) *Balancer {
	return New(testBalancerOptions(), events.NewEmitter(zap.NewNop()), zap.NewNop())
}

func TestSelectNode_LeastLoaded(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	require.NoError(t, b.AddNode("http://node-b:8080", 1, nil))
	require.NoError(t, b.AddNode("http://node-c:8080", 1, nil))

	// 预置连接数 {2, 0, 5}
	for i := 0; i < 2; i++ {
		b.byURL["http://node-a:8080"].currentConnections++
	}
	for i := 0; i < 5; i++ {
		b.byURL["http://node-c:8080"].currentConnections++
	}

	url, err := b.SelectNode(nil)

	require.NoError(t, err)
	assert.Equal(t, "http://node-b:8080", url)
}

func TestSelectNode_SkipsUnhealthy(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	require.NoError(t, b.AddNode("http://node-b:8080", 1, nil))

	// node-a 空闲但不健康，绝不可被选中
	b.byURL["http://node-a:8080"].health.IsHealthy = false
	b.byURL["http://node-b:8080"].currentConnections = 50

	url, err := b.SelectNode(nil)

	require.NoError(t, err)
	assert.Equal(t, "http://node-b:8080", url)
}

func TestSelectNode_NoHealthyNode(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	b.byURL["http://node-a:8080"].health.IsHealthy = false

	_, err := b.SelectNode(nil)

	assert.ErrorIs(t, err, ErrNoHealthyNode)
}

func TestSelectNode_GeoBias(t *testing.T) {
	b := newTestBalancer(t)
	stockholm := &models.GeoPoint{Latitude: 59.3293, Longitude: 18.0686}
	gothenburg := &models.GeoPoint{Latitude: 57.7089, Longitude: 11.9746}
	require.NoError(t, b.AddNode("http://near:8080", 1, stockholm))
	require.NoError(t, b.AddNode("http://far:8080", 1, gothenburg))

	client := &models.GeoPoint{Latitude: 59.33, Longitude: 18.07}
	url, err := b.SelectNode(client)

	require.NoError(t, err)
	assert.Equal(t, "http://near:8080", url)
}

func TestSelectNode_IncrementsConnections(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))

	_, err := b.SelectNode(nil)
	require.NoError(t, err)

	assert.Equal(t, 1, b.byURL["http://node-a:8080"].currentConnections)
}

func TestRelease_NeverBelowZero(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))

	b.Release("http://node-a:8080")
	b.Release("http://node-a:8080")

	assert.Equal(t, 0, b.byURL["http://node-a:8080"].currentConnections)
}

func TestAddNode_RejectsInvalidWeight(t *testing.T) {
	b := newTestBalancer(t)

	assert.Error(t, b.AddNode("http://node-a:8080", 0, nil))
	assert.Error(t, b.AddNode("http://node-a:8080", -1, nil))
}

func TestHealthHysteresis_FlipsOnlyAfterThreshold(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	n := b.byURL["http://node-a:8080"]

	// 两次失败不足以翻转（MaxErrorCount=3）
	b.recordProbeFailure(n)
	b.recordProbeFailure(n)
	assert.True(t, n.health.IsHealthy)

	b.recordProbeFailure(n)
	assert.False(t, n.health.IsHealthy)

	// 单次成功不足以恢复（MinSuccessCount=2）
	b.recordProbeSuccess(n, 5*time.Millisecond)
	assert.False(t, n.health.IsHealthy)

	b.recordProbeSuccess(n, 5*time.Millisecond)
	assert.True(t, n.health.IsHealthy)
}

func TestHealthHysteresis_SingleFailureResetsSuccessStreak(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	n := b.byURL["http://node-a:8080"]
	n.health.IsHealthy = false

	b.recordProbeSuccess(n, time.Millisecond)
	b.recordProbeFailure(n)
	b.recordProbeSuccess(n, time.Millisecond)

	// 成功计数被失败打断，未达连续阈值
	assert.False(t, n.health.IsHealthy)
}

func TestUnhealthyEvent_Emitted(t *testing.T) {
	emitter := events.NewEmitter(zap.NewNop())
	var unhealthy atomic.Int32
	emitter.Subscribe(func(evt events.Event) {
		if evt.Type == events.ServerUnhealthy {
			unhealthy.Add(1)
		}
	})

	b := New(testBalancerOptions(), emitter, zap.NewNop())
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	n := b.byURL["http://node-a:8080"]

	for i := 0; i < 5; i++ {
		b.recordProbeFailure(n)
	}

	// 仅在翻转的那一次发射，不随后续失败重复
	assert.Equal(t, int32(1), unhealthy.Load())
}

func TestUnhealthyEvent_SubscriberMayReadBackStats(t *testing.T) {
	emitter := events.NewEmitter(zap.NewNop())
	b := New(testBalancerOptions(), emitter, zap.NewNop())
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	n := b.byURL["http://node-a:8080"]

	// 订阅者在事件回调中回读节点统计，探测记录不得因此阻塞
	observed := make(chan models.BalancerStats, 1)
	emitter.Subscribe(func(evt events.Event) {
		if evt.Type == events.ServerUnhealthy {
			observed <- b.Stats()
		}
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			b.recordProbeFailure(n)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe recording blocked while emitting server:unhealthy")
	}
	stats := <-observed
	assert.Equal(t, 0, stats.HealthyNodes)
}

func TestProbe_AgainstHTTPServer(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := newTestBalancer(t)
	require.NoError(t, b.AddNode(server.URL, 1, nil))
	n := b.byURL[server.URL]

	b.probe(context.Background(), n)
	assert.Equal(t, 1, n.health.SuccessCount)
	assert.True(t, n.health.IsHealthy)

	healthy.Store(false)
	for i := 0; i < 3; i++ {
		b.probe(context.Background(), n)
	}
	assert.False(t, n.health.IsHealthy)
}

func TestStats_Snapshot(t *testing.T) {
	b := newTestBalancer(t)
	require.NoError(t, b.AddNode("http://node-a:8080", 1, nil))
	require.NoError(t, b.AddNode("http://node-b:8080", 2, nil))
	b.byURL["http://node-b:8080"].health.IsHealthy = false
	b.byURL["http://node-a:8080"].currentConnections = 3

	stats := b.Stats()

	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.HealthyNodes)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Len(t, stats.Nodes, 2)
}

func TestHaversine_KnownDistance(t *testing.T) {
	stockholm := models.GeoPoint{Latitude: 59.3293, Longitude: 18.0686}
	gothenburg := models.GeoPoint{Latitude: 57.7089, Longitude: 11.9746}

	km := HaversineKm(stockholm, gothenburg)

	// 实际大圆距离约 398 公里
	assert.InDelta(t, 398, km, 5)
}

func TestHaversine_ZeroDistance(t *testing.T) {
	p := models.GeoPoint{Latitude: 59.3293, Longitude: 18.0686}
	assert.InDelta(t, 0, Haversine(p, p), 0.001)
}
