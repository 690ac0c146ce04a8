package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Handler 事件回调
type Handler func(Event)

// Emitter 事件发射器（每个管理器实例持有一个，不使用全局总线）
// 回调在发射方 goroutine 内同步执行，订阅方不得阻塞
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// NewEmitter 创建事件发射器
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Subscribe 注册事件回调
func (e *Emitter) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit 发射事件
func (e *Emitter) Emit(t Type, payload map[string]interface{}) {
	evt := New(t, payload)

	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}

	e.logger.Debug("Event emitted",
		zap.String("event_type", string(t)),
	)
}

// StreamPublisher 将事件发布到 Redis Streams，供外部广播层跨进程消费
type StreamPublisher struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewStreamPublisher 创建 Streams 发布器
func NewStreamPublisher(redisClient *redis.Client, stream string, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// Handler 返回可直接订阅到 Emitter 的回调
func (p *StreamPublisher) Handler() Handler {
	return func(evt Event) {
		if err := p.Publish(context.Background(), evt); err != nil {
			p.logger.Error("Failed to publish event to stream",
				zap.String("event_type", string(evt.Type)),
				zap.Error(err),
			)
		}
	}
}

// Publish 发布单个事件
func (p *StreamPublisher) Publish(ctx context.Context, evt Event) error {
	jsonData, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	return p.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":      string(evt.Type),
			"data":      string(jsonData),
			"timestamp": time.Now().Unix(),
		},
	}).Err()
}
