package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"nightguard-core/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions() Options {
	return Options{
		FailureThreshold: 5,
		ResetTimeout:     100 * time.Millisecond,
		HalfOpenSuccess:  3,
		TimeoutDuration:  20 * time.Millisecond,
		MonitorInterval:  10 * time.Millisecond,
	}
}

func newTestBreaker(t *testing.T, opts Options) *Breaker {
	b := New("test-dep", opts, events.NewEmitter(zap.NewNop()), zap.NewNop())
	t.Cleanup(b.Stop)
	return b
}

func succeed(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func fail(ctx context.Context) (interface{}, error) {
	return nil, errors.New("dependency error")
}

func hang(ctx context.Context) (interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecute_Success(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	value, err := b.Execute(context.Background(), succeed, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, StateClosed, b.State())
}

func TestConsecutiveTimeouts_OpenCircuit(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	for i := 0; i < 5; i++ {
		_, err := b.Execute(context.Background(), hang, nil)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, b.State())
	stats := b.Stats()
	assert.Equal(t, 5, stats.Timeouts)
	assert.Equal(t, 5, stats.Failures)
}

func TestOpen_RejectsWithoutInvokingAction(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	require.Equal(t, StateOpen, b.State())

	var invoked atomic.Bool
	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked.Store(true)
		return nil, nil
	}, nil)

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked.Load(), "action must not run while circuit is open")
}

func TestOpen_FallbackInvoked(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	require.Equal(t, StateOpen, b.State())

	value, err := b.Execute(context.Background(), succeed, func() (interface{}, error) {
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", value)
}

func TestResetTimeout_HalfOpenThenClose(t *testing.T) {
	opts := testOptions()
	opts.MonitorInterval = time.Hour // 本用例只验证 Execute 路径的恢复判定
	b := newTestBreaker(t, opts)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(opts.ResetTimeout + 20*time.Millisecond)

	// 恢复期内连续成功达到阈值后回到 CLOSED
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), succeed, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpen_SingleFailureReopens(t *testing.T) {
	opts := testOptions()
	opts.MonitorInterval = time.Hour
	b := newTestBreaker(t, opts)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	time.Sleep(opts.ResetTimeout + 20*time.Millisecond)

	_, err := b.Execute(context.Background(), succeed, nil)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(context.Background(), fail, nil)

	assert.Equal(t, StateOpen, b.State())
}

func TestErrorRate_TripsSynchronously(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	// 2 成功 + 4 失败：第 6 次调用时错误率 66% > 50%，同步触发 OPEN
	b.Execute(context.Background(), succeed, nil)
	b.Execute(context.Background(), succeed, nil)
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), fail, nil)
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestMonitor_RecoversDuringSilence(t *testing.T) {
	opts := testOptions()
	opts.ResetTimeout = 30 * time.Millisecond
	b := newTestBreaker(t, opts)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	require.Equal(t, StateOpen, b.State())

	// 无新流量，仅靠周期监控推进 OPEN → HALF_OPEN
	assert.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 10*time.Millisecond)
}

func TestReset_ReturnsToClosed(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().TotalCalls)
}

func TestCallerCancellation_NotCountedAsFailure(t *testing.T) {
	b := newTestBreaker(t, testOptions())

	// 调用方主动取消的请求不得推高熔断统计
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := b.Execute(ctx, hang, nil)
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().Failures)
}

func TestOpenEvent_SubscriberMayReadBackState(t *testing.T) {
	emitter := events.NewEmitter(zap.NewNop())
	b := New("test-dep", testOptions(), emitter, zap.NewNop())
	defer b.Stop()

	// 订阅者在事件回调中回读熔断器状态，Execute 不得因此阻塞
	observed := make(chan State, 1)
	emitter.Subscribe(func(evt events.Event) {
		if evt.Type == events.CircuitOpen {
			observed <- b.State()
		}
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Execute(context.Background(), hang, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked while emitting circuit:open")
	}
	assert.Equal(t, StateOpen, <-observed)
	assert.Equal(t, 5, b.Stats().Timeouts)
}

func TestOpenEvent_Emitted(t *testing.T) {
	emitter := events.NewEmitter(zap.NewNop())
	var opened atomic.Int32
	emitter.Subscribe(func(evt events.Event) {
		if evt.Type == events.CircuitOpen {
			opened.Add(1)
		}
	})

	b := New("test-dep", testOptions(), emitter, zap.NewNop())
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), hang, nil)
	}

	assert.Equal(t, int32(1), opened.Load())
}
