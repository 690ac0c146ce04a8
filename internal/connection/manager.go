package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nightguard-core/internal/breaker"
	"nightguard-core/internal/events"
	"nightguard-core/internal/models"
	"nightguard-core/internal/transport"

	"go.uber.org/zap"
)

// ErrDeviceUnknown 设备未注册
var ErrDeviceUnknown = errors.New("device not registered")

// Options 连接管理参数
type Options struct {
	HeartbeatInterval       time.Duration
	HeartbeatTimeout        time.Duration
	MaxReconnectAttempts    int
	ReconnectInterval       time.Duration
	QualityCheckInterval    time.Duration
	BackupConnectionTimeout time.Duration
}

// MessageHandler 非心跳类设备消息的上层处理回调（紧急信号等）
type MessageHandler func(deviceID string, payload []byte)

// deviceConnection 单设备冗余链路状态
// 由设备自己的心跳/质量 goroutine 驱动，跨设备无共享锁
type deviceConnection struct {
	deviceID   string
	primaryURL string
	backupURL  string

	mu                sync.Mutex
	primary           transport.Transport
	backup            transport.Transport
	active            models.TransportRole
	state             models.ConnectionState
	lastHeartbeatAt   time.Time
	signalStrength    float64
	quality           float64
	reconnectAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (dc *deviceConnection) stop() {
	dc.stopOnce.Do(func() {
		close(dc.stopCh)
	})
}

// activeTransport 返回当前活动链路（持锁调用方使用 activeLocked）
func (dc *deviceConnection) activeLocked() transport.Transport {
	if dc.active == models.TransportBackup {
		return dc.backup
	}
	return dc.primary
}

// Manager 设备连接管理器
// 每设备一条主链路加一条异步建立的备用链路，心跳监控、质量评分与故障切换
type Manager struct {
	opts           Options
	primaryFactory transport.Factory
	backupFactory  transport.Factory // 可为 nil（无备用承载）
	openBreakers   map[string]*breaker.Breaker
	emitter        *events.Emitter
	logger         *zap.Logger

	mu      sync.RWMutex
	devices map[string]*deviceConnection

	handlerMu sync.RWMutex
	onMessage MessageHandler
}

// New 创建连接管理器
// 链路建立调用由按承载协议划分的熔断器保护
func New(
	opts Options,
	primaryFactory transport.Factory,
	backupFactory transport.Factory,
	breakerOpts breaker.Options,
	emitter *events.Emitter,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		opts:           opts,
		primaryFactory: primaryFactory,
		backupFactory:  backupFactory,
		openBreakers:   make(map[string]*breaker.Breaker),
		emitter:        emitter,
		logger:         logger,
		devices:        make(map[string]*deviceConnection),
	}

	m.openBreakers[primaryFactory.Scheme()] = breaker.New(
		primaryFactory.Scheme()+"-open", breakerOpts, emitter, logger)
	if backupFactory != nil && backupFactory.Scheme() != primaryFactory.Scheme() {
		m.openBreakers[backupFactory.Scheme()] = breaker.New(
			backupFactory.Scheme()+"-open", breakerOpts, emitter, logger)
	}

	return m
}

// SetMessageHandler 注册设备消息处理回调
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onMessage = h
}

// Register 注册设备并建立主链路
// 备用链路在后台建立，受 BackupConnectionTimeout 约束，失败不阻断注册
func (m *Manager) Register(ctx context.Context, deviceID, primaryURL, backupURL string) error {
	dc := &deviceConnection{
		deviceID:   deviceID,
		primaryURL: primaryURL,
		backupURL:  backupURL,
		active:     models.TransportPrimary,
		state:      models.ConnectionConnecting,
		stopCh:     make(chan struct{}),
	}

	// 先占位再建链路：并发注册同一设备只允许一个成功
	m.mu.Lock()
	if _, exists := m.devices[deviceID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("device already registered: %s", deviceID)
	}
	m.devices[deviceID] = dc
	m.mu.Unlock()

	primary, err := m.openTransport(ctx, m.primaryFactory, primaryURL, deviceID, models.TransportPrimary)
	if err != nil {
		m.mu.Lock()
		if m.devices[deviceID] == dc {
			delete(m.devices, deviceID)
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to open primary transport for %s: %w", deviceID, err)
	}

	dc.mu.Lock()
	select {
	case <-dc.stopCh:
		// 建链期间设备已被注销
		dc.mu.Unlock()
		primary.Close(1000, "device unregistered")
		return fmt.Errorf("device unregistered during registration: %s", deviceID)
	default:
	}
	dc.primary = primary
	dc.state = models.ConnectionConnected
	dc.lastHeartbeatAt = time.Now()
	dc.signalStrength = signalCeilingDBm
	dc.mu.Unlock()

	go m.heartbeatLoop(dc)
	go m.qualityLoop(dc)

	if m.backupFactory != nil && backupURL != "" {
		go m.establishBackup(dc)
	}

	m.emitter.Emit(events.DeviceConnected, map[string]interface{}{
		"device_id": deviceID,
		"transport": string(models.TransportPrimary),
	})

	m.logger.Info("Device registered",
		zap.String("device_id", deviceID),
		zap.String("primary", primaryURL),
	)

	return nil
}

// RecordHeartbeat 记录设备心跳，重置重连计数
func (m *Manager) RecordHeartbeat(deviceID string) error {
	dc, ok := m.device(deviceID)
	if !ok {
		return ErrDeviceUnknown
	}

	dc.mu.Lock()
	dc.lastHeartbeatAt = time.Now()
	dc.reconnectAttempts = 0
	dc.mu.Unlock()

	return nil
}

// UpdateSignalStrength 更新设备上报的信号强度（dBm）
func (m *Manager) UpdateSignalStrength(deviceID string, dbm float64) error {
	dc, ok := m.device(deviceID)
	if !ok {
		return ErrDeviceUnknown
	}

	dc.mu.Lock()
	dc.signalStrength = dbm
	dc.mu.Unlock()

	return nil
}

// Deliver 通过活动链路下发消息
// 发送失败走与心跳超时相同的故障路径
func (m *Manager) Deliver(deviceID string, message []byte) error {
	dc, ok := m.device(deviceID)
	if !ok {
		return ErrDeviceUnknown
	}

	dc.mu.Lock()
	active := dc.activeLocked()
	dc.mu.Unlock()

	if active == nil {
		return fmt.Errorf("no usable transport for device %s", deviceID)
	}

	if err := active.Send(message); err != nil {
		m.logger.Warn("Delivery failed, triggering failover path",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		m.handleLinkFailure(dc)
		return fmt.Errorf("failed to deliver to %s: %w", deviceID, err)
	}

	return nil
}

// Status 设备连接状态快照，未知设备返回断连哨兵值
func (m *Manager) Status(deviceID string) models.ConnectionStatus {
	dc, ok := m.device(deviceID)
	if !ok {
		return models.DisconnectedStatus(deviceID)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	return models.ConnectionStatus{
		DeviceID:        deviceID,
		State:           dc.state,
		Quality:         dc.quality,
		ActiveTransport: dc.active,
		SignalStrength:  dc.signalStrength,
	}
}

// Unregister 注销设备：停掉所有定时器、释放两条链路
// 返回前保证定时器已收到停止信号
func (m *Manager) Unregister(deviceID string) error {
	m.mu.Lock()
	dc, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrDeviceUnknown
	}

	m.teardown(dc)

	m.emitter.Emit(events.DeviceDisconnected, map[string]interface{}{
		"device_id": deviceID,
	})

	m.logger.Info("Device unregistered",
		zap.String("device_id", deviceID),
	)

	return nil
}

// Stop 关闭管理器：注销全部设备并停止熔断器监控
func (m *Manager) Stop() {
	m.mu.Lock()
	devices := make([]*deviceConnection, 0, len(m.devices))
	for _, dc := range m.devices {
		devices = append(devices, dc)
	}
	m.devices = make(map[string]*deviceConnection)
	m.mu.Unlock()

	for _, dc := range devices {
		m.teardown(dc)
	}
	for _, b := range m.openBreakers {
		b.Stop()
	}
}

func (m *Manager) device(deviceID string) (*deviceConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dc, ok := m.devices[deviceID]
	return dc, ok
}

// teardown 停止定时器并释放链路
func (m *Manager) teardown(dc *deviceConnection) {
	dc.stop()

	dc.mu.Lock()
	primary, backup := dc.primary, dc.backup
	dc.primary, dc.backup = nil, nil
	dc.state = models.ConnectionDisconnected
	dc.mu.Unlock()

	if primary != nil {
		primary.Close(1000, "unregistered")
	}
	if backup != nil {
		backup.Close(1000, "unregistered")
	}
}

// openTransport 经熔断器保护建立链路，消息与错误回调接回管理器
func (m *Manager) openTransport(
	ctx context.Context,
	factory transport.Factory,
	url, deviceID string,
	role models.TransportRole,
) (transport.Transport, error) {
	b := m.openBreakers[factory.Scheme()]

	handlers := transport.Handlers{
		OnMessage: func(payload []byte) {
			m.handleDeviceMessage(deviceID, payload)
		},
		OnError: func(err error) {
			m.logger.Warn("Transport error",
				zap.String("device_id", deviceID),
				zap.String("role", string(role)),
				zap.Error(err),
			)
			if dc, ok := m.device(deviceID); ok {
				m.handleLinkFailure(dc)
			}
		},
	}

	result, err := b.Execute(ctx, func(callCtx context.Context) (interface{}, error) {
		return factory.Open(callCtx, url, handlers)
	}, nil)
	if err != nil {
		return nil, err
	}

	return result.(transport.Transport), nil
}

// establishBackup 后台建立备用链路，受超时约束，失败仅记录
func (m *Manager) establishBackup(dc *deviceConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.BackupConnectionTimeout)
	defer cancel()

	backup, err := m.openTransport(ctx, m.backupFactory, dc.backupURL, dc.deviceID, models.TransportBackup)
	if err != nil {
		m.logger.Warn("Failed to establish backup transport",
			zap.String("device_id", dc.deviceID),
			zap.Error(err),
		)
		return
	}

	dc.mu.Lock()
	select {
	case <-dc.stopCh:
		// 设备已在建立期间注销
		dc.mu.Unlock()
		backup.Close(1000, "device unregistered")
		return
	default:
	}
	dc.backup = backup
	dc.mu.Unlock()

	m.logger.Info("Backup transport established",
		zap.String("device_id", dc.deviceID),
	)
}

// handleDeviceMessage 解析上行消息：心跳入账，其余转交上层
func (m *Manager) handleDeviceMessage(deviceID string, payload []byte) {
	var msg struct {
		Type           string   `json:"type"`
		Timestamp      int64    `json:"timestamp"`
		SignalStrength *float64 `json:"signal_strength,omitempty"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.logger.Debug("Unparseable device message",
			zap.String("device_id", deviceID),
		)
		return
	}

	if msg.SignalStrength != nil {
		m.UpdateSignalStrength(deviceID, *msg.SignalStrength)
	}

	switch msg.Type {
	case "HEARTBEAT", "BACKUP_HEARTBEAT":
		m.RecordHeartbeat(deviceID)
	default:
		m.handlerMu.RLock()
		h := m.onMessage
		m.handlerMu.RUnlock()
		if h != nil {
			h(deviceID, payload)
		}
	}
}

// heartbeatLoop 心跳发送与超时检测
func (m *Manager) heartbeatLoop(dc *deviceConnection) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stopCh:
			return
		case <-ticker.C:
			m.sendHeartbeat(dc)
			m.checkHeartbeat(dc)
		}
	}
}

// sendHeartbeat 通过活动链路下发心跳
func (m *Manager) sendHeartbeat(dc *deviceConnection) {
	dc.mu.Lock()
	active := dc.activeLocked()
	role := dc.active
	dc.mu.Unlock()

	if active == nil {
		return
	}

	payload, err := json.Marshal(models.NewHeartbeatMessage(role))
	if err != nil {
		return
	}
	if err := active.Send(payload); err != nil {
		m.logger.Debug("Heartbeat send failed",
			zap.String("device_id", dc.deviceID),
			zap.Error(err),
		)
	}
}

// checkHeartbeat 心跳超时判定
func (m *Manager) checkHeartbeat(dc *deviceConnection) {
	dc.mu.Lock()
	expired := time.Since(dc.lastHeartbeatAt) > m.opts.HeartbeatTimeout
	dc.mu.Unlock()

	if expired {
		m.handleLinkFailure(dc)
	}
}

// handleLinkFailure 统一故障路径：有备可切则切换，否则硬超时进入重连
func (m *Manager) handleLinkFailure(dc *deviceConnection) {
	dc.mu.Lock()

	if dc.state == models.ConnectionConnecting ||
		dc.state == models.ConnectionReconnecting ||
		dc.state == models.ConnectionDisconnected {
		dc.mu.Unlock()
		return
	}

	if dc.active == models.TransportPrimary && dc.backup != nil {
		stale := dc.primary
		dc.primary = nil
		dc.active = models.TransportBackup
		dc.lastHeartbeatAt = time.Now()
		dc.mu.Unlock()

		if stale != nil {
			stale.Close(1001, "failover")
		}

		m.emitter.Emit(events.DeviceFailover, map[string]interface{}{
			"device_id": dc.deviceID,
			"from":      string(models.TransportPrimary),
			"to":        string(models.TransportBackup),
		})
		m.logger.Warn("Failover to backup transport",
			zap.String("device_id", dc.deviceID),
		)

		// 切换后在后台重建新的主链路
		go m.reestablishPrimary(dc)
		return
	}

	// 无备用链路：硬超时
	dc.state = models.ConnectionReconnecting
	dc.mu.Unlock()

	m.emitter.Emit(events.DeviceTimeout, map[string]interface{}{
		"device_id": dc.deviceID,
	})
	m.logger.Warn("Heartbeat timeout, entering reconnect",
		zap.String("device_id", dc.deviceID),
	)

	go m.reconnectLoop(dc)
}

// reestablishPrimary 故障切换后重建主链路（不切回，等待质量纠正决策）
func (m *Manager) reestablishPrimary(dc *deviceConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.BackupConnectionTimeout)
	defer cancel()

	primary, err := m.openTransport(ctx, m.primaryFactory, dc.primaryURL, dc.deviceID, models.TransportPrimary)
	if err != nil {
		m.logger.Warn("Failed to re-establish primary transport",
			zap.String("device_id", dc.deviceID),
			zap.Error(err),
		)
		return
	}

	dc.mu.Lock()
	select {
	case <-dc.stopCh:
		dc.mu.Unlock()
		primary.Close(1000, "device unregistered")
		return
	default:
	}
	if dc.primary != nil {
		// 并发重建只保留先到的一条
		dc.mu.Unlock()
		primary.Close(1000, "duplicate primary")
		return
	}
	dc.primary = primary
	dc.mu.Unlock()

	m.logger.Info("Primary transport re-established",
		zap.String("device_id", dc.deviceID),
	)
}

// reconnectLoop 有界指数退避重连
// 重连成功回到 connected；次数用尽后设备移除，需外部重新注册
func (m *Manager) reconnectLoop(dc *deviceConnection) {
	// 释放已失效的链路
	dc.mu.Lock()
	primary, backup := dc.primary, dc.backup
	dc.primary, dc.backup = nil, nil
	dc.mu.Unlock()
	if primary != nil {
		primary.Close(1001, "reconnecting")
	}
	if backup != nil {
		backup.Close(1001, "reconnecting")
	}

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		backoff := m.opts.ReconnectInterval * (1 << uint(attempt-1))
		if max := 16 * m.opts.ReconnectInterval; backoff > max {
			backoff = max
		}

		select {
		case <-dc.stopCh:
			return
		case <-time.After(backoff):
		}

		dc.mu.Lock()
		dc.reconnectAttempts = attempt
		dc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.BackupConnectionTimeout)
		primary, err := m.openTransport(ctx, m.primaryFactory, dc.primaryURL, dc.deviceID, models.TransportPrimary)
		cancel()
		if err != nil {
			m.logger.Debug("Reconnect attempt failed",
				zap.String("device_id", dc.deviceID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		dc.mu.Lock()
		select {
		case <-dc.stopCh:
			dc.mu.Unlock()
			primary.Close(1000, "device unregistered")
			return
		default:
		}
		dc.primary = primary
		dc.active = models.TransportPrimary
		dc.state = models.ConnectionConnected
		dc.lastHeartbeatAt = time.Now()
		dc.mu.Unlock()

		m.emitter.Emit(events.DeviceConnected, map[string]interface{}{
			"device_id": dc.deviceID,
			"transport": string(models.TransportPrimary),
			"reconnect": true,
		})
		m.logger.Info("Device reconnected",
			zap.String("device_id", dc.deviceID),
			zap.Int("attempt", attempt),
		)

		if m.backupFactory != nil && dc.backupURL != "" {
			go m.establishBackup(dc)
		}
		return
	}

	// 重连次数用尽：零可用链路，移除设备
	m.logger.Error("Reconnect attempts exhausted",
		zap.String("device_id", dc.deviceID),
		zap.Int("max_attempts", m.opts.MaxReconnectAttempts),
	)
	m.Unregister(dc.deviceID)
}

// qualityLoop 周期质量评分与纠正动作
func (m *Manager) qualityLoop(dc *deviceConnection) {
	ticker := time.NewTicker(m.opts.QualityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stopCh:
			return
		case <-ticker.C:
			m.updateQuality(dc)
		}
	}
}

// updateQuality 重算质量评分，低于阈值触发纠正动作
func (m *Manager) updateQuality(dc *deviceConnection) {
	dc.mu.Lock()
	if dc.state == models.ConnectionReconnecting || dc.state == models.ConnectionDisconnected {
		dc.mu.Unlock()
		return
	}

	quality := computeQuality(
		dc.signalStrength,
		time.Since(dc.lastHeartbeatAt),
		dc.reconnectAttempts,
		m.opts.MaxReconnectAttempts,
	)
	dc.quality = quality
	if quality < qualityActionThreshold {
		dc.state = models.ConnectionDegraded
	} else {
		dc.state = models.ConnectionConnected
	}
	onPrimary := dc.active == models.TransportPrimary
	hasBackup := dc.backup != nil
	onBackup := dc.active == models.TransportBackup
	hasPrimary := dc.primary != nil
	dc.mu.Unlock()

	m.emitter.Emit(events.QualityUpdate, map[string]interface{}{
		"device_id": dc.deviceID,
		"quality":   quality,
	})

	if quality >= qualityActionThreshold {
		return
	}

	// 纠正动作：主链路劣化且有备可用则强制切换；已在备用则尝试重建主链路
	if onPrimary && hasBackup {
		m.handleLinkFailure(dc)
	} else if onBackup && !hasPrimary {
		go m.reestablishPrimary(dc)
	}
}
