package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"nightguard-core/internal/events"

	"go.uber.org/zap"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen 熔断器打开时的快速失败错误
var ErrCircuitOpen = errors.New("circuit open: dependency unavailable")

// Action 被保护的调用
type Action func(ctx context.Context) (interface{}, error)

// Fallback 熔断打开时的降级调用
type Fallback func() (interface{}, error)

// Options 熔断器参数
type Options struct {
	FailureThreshold int           // 累计超时达到该值触发 OPEN
	ResetTimeout     time.Duration // OPEN 维持时间，到期后进入 HALF_OPEN
	HalfOpenSuccess  int           // HALF_OPEN 连续成功该次数后恢复 CLOSED
	TimeoutDuration  time.Duration // 单次调用超时
	MonitorInterval  time.Duration // 周期监控间隔
}

// Breaker 单依赖熔断器
//
// 状态转移在记录成功/失败时同步判定：跨过阈值的那次失败立即触发 OPEN，
// 周期监控只负责错误率衰减与静默期间的 OPEN → HALF_OPEN 评估
type Breaker struct {
	name    string
	opts    Options
	emitter *events.Emitter
	logger  *zap.Logger

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	timeouts        int
	totalCalls      int
	halfOpenStreak  int
	errorPercentage float64
	lastFailureAt   time.Time
	lastSuccessAt   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	Timeouts        int       `json:"timeouts"`
	TotalCalls      int       `json:"total_calls"`
	ErrorPercentage float64   `json:"error_percentage"`
	LastFailureAt   time.Time `json:"last_failure_at"`
	LastSuccessAt   time.Time `json:"last_success_at"`
}

// New 创建熔断器并启动周期监控
func New(name string, opts Options, emitter *events.Emitter, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:    name,
		opts:    opts,
		emitter: emitter,
		logger:  logger,
		state:   StateClosed,
		stopCh:  make(chan struct{}),
	}

	go b.monitor()

	return b
}

// Execute 执行被保护的调用
// OPEN 状态下不发起任何网络调用：有降级则走降级，否则立即返回 ErrCircuitOpen
func (b *Breaker) Execute(ctx context.Context, action Action, fallback Fallback) (interface{}, error) {
	b.mu.Lock()
	var evt *pendingEvent
	if b.state == StateOpen {
		if time.Since(b.lastFailureAt) >= b.opts.ResetTimeout {
			evt = b.toHalfOpen()
		} else {
			b.mu.Unlock()
			if fallback != nil {
				return fallback()
			}
			return nil, ErrCircuitOpen
		}
	}
	b.mu.Unlock()
	b.emit(evt)

	callCtx, cancel := context.WithTimeout(ctx, b.opts.TimeoutDuration)
	defer cancel()

	type result struct {
		value interface{}
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		value, err := action(callCtx)
		resultCh <- result{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		// 调用方主动取消不算依赖故障，不计入熔断统计
		if errors.Is(callCtx.Err(), context.Canceled) {
			return nil, callCtx.Err()
		}
		// 超时同时计入失败与超时计数
		b.recordFailure(true)
		if fallback != nil {
			return fallback()
		}
		return nil, callCtx.Err()
	case res := <-resultCh:
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) && ctx.Err() != nil {
				return nil, res.err
			}
			b.recordFailure(errors.Is(res.err, context.DeadlineExceeded))
			if fallback != nil {
				return fallback()
			}
			return nil, res.err
		}
		b.recordSuccess()
		return res.value, nil
	}
}

// Reset 操作员手动复位
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.resetCounters()
	b.state = StateClosed
	b.mu.Unlock()

	if prev != StateClosed {
		b.emit(&pendingEvent{typ: events.CircuitClose, payload: map[string]interface{}{
			"name":   b.name,
			"reason": "manual_reset",
		}})
	}

	b.logger.Info("Circuit breaker reset",
		zap.String("breaker", b.name),
	)
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 状态快照
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		Timeouts:        b.timeouts,
		TotalCalls:      b.totalCalls,
		ErrorPercentage: b.errorPercentage,
		LastFailureAt:   b.lastFailureAt,
		LastSuccessAt:   b.lastSuccessAt,
	}
}

// Stop 停止周期监控
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// recordFailure 记录失败并同步判定状态转移
func (b *Breaker) recordFailure(isTimeout bool) {
	b.mu.Lock()

	b.failures++
	b.totalCalls++
	if isTimeout {
		b.timeouts++
	}
	b.lastFailureAt = time.Now()
	b.updateErrorPercentage()

	var evt *pendingEvent
	switch b.state {
	case StateHalfOpen:
		// 试探期内任何一次失败立即回到 OPEN
		evt = b.toOpen("half_open_failure")
	case StateClosed:
		if b.timeouts >= b.opts.FailureThreshold {
			evt = b.toOpen("timeout_threshold")
		} else if b.totalCalls >= b.opts.FailureThreshold && b.errorPercentage > 50 {
			evt = b.toOpen("error_rate")
		}
	}
	b.mu.Unlock()

	b.emit(evt)
}

// recordSuccess 记录成功
func (b *Breaker) recordSuccess() {
	b.mu.Lock()

	b.successes++
	b.totalCalls++
	b.lastSuccessAt = time.Now()
	b.updateErrorPercentage()

	var evt *pendingEvent
	if b.state == StateHalfOpen {
		b.halfOpenStreak++
		if b.halfOpenStreak >= b.opts.HalfOpenSuccess {
			evt = b.toClosed()
		}
	}
	b.mu.Unlock()

	b.emit(evt)
}

// monitor 周期监控：错误率重算、陈旧计数衰减、静默期间的恢复评估
func (b *Breaker) monitor() {
	ticker := time.NewTicker(b.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.updateErrorPercentage()

			// 长时间无失败后衰减历史计数，避免陈旧数据触发熔断
			if !b.lastFailureAt.IsZero() && time.Since(b.lastFailureAt) > 2*b.opts.ResetTimeout {
				b.failures = 0
				b.timeouts = 0
				b.successes = 0
				b.totalCalls = 0
				b.errorPercentage = 0
			}

			// 无流量时也要能从 OPEN 进入 HALF_OPEN
			var evt *pendingEvent
			if b.state == StateOpen && time.Since(b.lastFailureAt) >= b.opts.ResetTimeout {
				evt = b.toHalfOpen()
			}
			b.mu.Unlock()
			b.emit(evt)
		}
	}
}

// pendingEvent 锁内收集、锁外发射的事件
// 订阅者可能回读 State/Stats，持锁发射会死锁
type pendingEvent struct {
	typ     events.Type
	payload map[string]interface{}
}

// emit 发射锁外事件，evt 为 nil 时跳过
func (b *Breaker) emit(evt *pendingEvent) {
	if evt == nil {
		return
	}
	b.emitter.Emit(evt.typ, evt.payload)
}

// 以下转移函数要求调用方已持有 b.mu，返回的事件须在解锁后发射

func (b *Breaker) toOpen(reason string) *pendingEvent {
	b.state = StateOpen
	b.halfOpenStreak = 0

	b.logger.Warn("Circuit breaker opened",
		zap.String("breaker", b.name),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
		zap.Int("timeouts", b.timeouts),
	)

	return &pendingEvent{typ: events.CircuitOpen, payload: map[string]interface{}{
		"name":     b.name,
		"reason":   reason,
		"failures": b.failures,
		"timeouts": b.timeouts,
	}}
}

func (b *Breaker) toHalfOpen() *pendingEvent {
	b.state = StateHalfOpen
	b.halfOpenStreak = 0

	b.logger.Info("Circuit breaker half-open",
		zap.String("breaker", b.name),
	)

	return &pendingEvent{typ: events.CircuitHalfOpen, payload: map[string]interface{}{
		"name": b.name,
	}}
}

func (b *Breaker) toClosed() *pendingEvent {
	b.state = StateClosed
	b.resetCounters()

	b.logger.Info("Circuit breaker closed",
		zap.String("breaker", b.name),
	)

	return &pendingEvent{typ: events.CircuitClose, payload: map[string]interface{}{
		"name":   b.name,
		"reason": "recovered",
	}}
}

func (b *Breaker) resetCounters() {
	b.failures = 0
	b.successes = 0
	b.timeouts = 0
	b.totalCalls = 0
	b.halfOpenStreak = 0
	b.errorPercentage = 0
}

func (b *Breaker) updateErrorPercentage() {
	if b.totalCalls == 0 {
		b.errorPercentage = 0
		return
	}
	b.errorPercentage = float64(b.failures) / float64(b.totalCalls) * 100
}
