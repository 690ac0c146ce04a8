package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nightguard-core/internal/events"
	"nightguard-core/internal/models"
	"nightguard-core/internal/tracker"

	"go.uber.org/zap"
)

var (
	// ErrEmergencyUnknown 事件不存在或已离开活动集合
	ErrEmergencyUnknown = errors.New("emergency not found")
	// ErrTerminalState RESOLVED 为终态，不接受任何转移
	ErrTerminalState = errors.New("emergency already resolved")
	// ErrAlreadyActive 同一设备同时只允许一个活动事件
	ErrAlreadyActive = errors.New("device already has an active emergency")
)

// Store 持久化端口（由外部存储层实现，核心不拥有表结构）
type Store interface {
	CreateEmergency(ctx context.Context, rec models.Emergency) (string, error)
	UpdateEmergency(ctx context.Context, id string, patch models.EmergencyPatch) error
	FindActiveSecurityUsers(ctx context.Context) ([]models.SecurityUser, error)
	MinimizeEmergency(ctx context.Context, id string) error
}

// ZoneLocator 人员设备的区域定位端口
// 默认由追踪器提供，外部层可替换为值班表等其他来源
type ZoneLocator interface {
	DevicesInZone(ctx context.Context, zoneID string) ([]string, error)
}

// DistanceFunc 响应距离度量（公里），可插拔
// 源系统未定义具体几何，默认实现：同区域 0，跨区域常量罚分
type DistanceFunc func(responderZone, emergencyZone string) float64

// DefaultDistance 默认距离度量
func DefaultDistance(responderZone, emergencyZone string) float64 {
	if responderZone == emergencyZone && responderZone != "" {
		return 0
	}
	return 1
}

// Options 调度参数
type Options struct {
	ResponseTimeThreshold time.Duration // 超过该时长未进入 RESPONDING 则自动升级
	MonitorPollInterval   time.Duration // 响应监控轮询间隔
	RetentionPeriod       time.Duration // 解决后数据最小化延迟
	ZoneMaxCapacity       int
	CrowdingRatio         float64
}

// activeEmergency 活动事件及其监控定时器
type activeEmergency struct {
	mu        sync.Mutex
	emergency models.Emergency
	escalated bool // 自动升级只触发一次

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (a *activeEmergency) stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// Dispatcher 紧急事件调度器
// 拥有事件状态机、响应人员匹配、升级轮询与位置保留边界
type Dispatcher struct {
	opts     Options
	store    Store
	tracker  *tracker.Tracker
	locator  ZoneLocator
	distance DistanceFunc
	emitter  *events.Emitter
	logger   *zap.Logger

	mu       sync.RWMutex
	active   map[string]*activeEmergency // emergencyID → 状态
	byDevice map[string]string           // deviceID → emergencyID

	timerMu         sync.Mutex
	retentionTimers map[string]*time.Timer
}

// New 创建调度器
func New(
	opts Options,
	store Store,
	locTracker *tracker.Tracker,
	distance DistanceFunc,
	emitter *events.Emitter,
	logger *zap.Logger,
) *Dispatcher {
	if distance == nil {
		distance = DefaultDistance
	}
	return &Dispatcher{
		opts:            opts,
		store:           store,
		tracker:         locTracker,
		locator:         locTracker,
		distance:        distance,
		emitter:         emitter,
		logger:          logger,
		active:          make(map[string]*activeEmergency),
		byDevice:        make(map[string]string),
		retentionTimers: make(map[string]*time.Timer),
	}
}

// SetZoneLocator 替换人员定位端口
func (d *Dispatcher) SetZoneLocator(locator ZoneLocator) {
	d.locator = locator
}

// CreateEmergency 创建紧急事件
// 存储失败直接上抛，不启动任何定时器；成功后开始临时位置追踪与响应监控
func (d *Dispatcher) CreateEmergency(ctx context.Context, deviceID, zoneID string) (*models.Emergency, error) {
	d.mu.Lock()
	if _, exists := d.byDevice[deviceID]; exists {
		d.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	d.mu.Unlock()

	now := time.Now()
	rec := models.Emergency{
		DeviceID:  deviceID,
		ZoneID:    zoneID,
		Status:    models.EmergencyActive,
		CreatedAt: now,
	}

	id, err := d.store.CreateEmergency(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to persist emergency: %w", err)
	}
	rec.ID = id

	responders, err := d.computeResponders(ctx, zoneID)
	if err != nil {
		// 匹配失败不阻断事件创建，稍后升级时会重算
		d.logger.Error("Responder matching failed",
			zap.String("emergency_id", id),
			zap.Error(err),
		)
	}
	rec.NearbyResponders = responders

	if err := d.tracker.StartTracking(ctx, deviceID, zoneID); err != nil {
		d.logger.Error("Failed to start location tracking",
			zap.String("emergency_id", id),
			zap.Error(err),
		)
	}

	ae := &activeEmergency{
		emergency: rec,
		stopCh:    make(chan struct{}),
	}

	d.mu.Lock()
	d.active[id] = ae
	d.byDevice[deviceID] = id
	d.mu.Unlock()

	go d.responseMonitor(ae)

	d.emitter.Emit(events.EmergencyNew, map[string]interface{}{
		"emergency_id": id,
		"device_id":    deviceID,
		"zone_id":      zoneID,
		"responders":   len(responders),
	})

	d.logger.Warn("Emergency created",
		zap.String("emergency_id", id),
		zap.String("device_id", deviceID),
		zap.String("zone_id", zoneID),
		zap.Int("responders", len(responders)),
	)

	snapshot := rec
	return &snapshot, nil
}

// AssignResponder 指派响应人员
// 首次指派将事件推进到 RESPONDING 并一次性记录响应耗时
func (d *Dispatcher) AssignResponder(ctx context.Context, id, userID string) error {
	ae, err := d.activeByID(id)
	if err != nil {
		return err
	}

	ae.mu.Lock()
	if ae.emergency.Status == models.EmergencyResolved {
		ae.mu.Unlock()
		return ErrTerminalState
	}
	first := ae.emergency.ResponseStartedAt == nil
	var patch models.EmergencyPatch
	if first {
		now := time.Now()
		responseTime := now.Sub(ae.emergency.CreatedAt)
		status := models.EmergencyResponding

		ae.emergency.ResponseStartedAt = &now
		ae.emergency.ResponseTime = &responseTime
		if ae.emergency.Status == models.EmergencyActive {
			ae.emergency.Status = status
			patch.Status = &status
		}
		patch.ResponseStartedAt = &now
		patch.ResponseTime = &responseTime
	}
	ae.mu.Unlock()

	if !first {
		return nil
	}

	if err := d.store.UpdateEmergency(ctx, id, patch); err != nil {
		return fmt.Errorf("failed to record responder assignment: %w", err)
	}

	d.logger.Info("Responder assigned",
		zap.String("emergency_id", id),
		zap.String("user_id", userID),
	)

	return nil
}

// Escalate 升级事件并重算响应人员
func (d *Dispatcher) Escalate(ctx context.Context, id, reason string) error {
	ae, err := d.activeByID(id)
	if err != nil {
		return err
	}

	ae.mu.Lock()
	if ae.emergency.Status == models.EmergencyResolved {
		ae.mu.Unlock()
		return ErrTerminalState
	}
	zoneID := ae.emergency.ZoneID
	ae.mu.Unlock()

	responders, rerr := d.computeResponders(ctx, zoneID)
	if rerr != nil {
		d.logger.Error("Responder recompute failed on escalation",
			zap.String("emergency_id", id),
			zap.Error(rerr),
		)
	}

	// 先落库再改内存状态：存储失败时升级标记不落下，监控下个周期重试
	status := models.EmergencyEscalated
	if err := d.store.UpdateEmergency(ctx, id, models.EmergencyPatch{
		Status:           &status,
		EscalationReason: &reason,
	}); err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}

	ae.mu.Lock()
	ae.emergency.Status = status
	ae.escalated = true
	if rerr == nil {
		ae.emergency.NearbyResponders = responders
	}
	ae.mu.Unlock()

	d.emitter.Emit(events.EmergencyEscalated, map[string]interface{}{
		"emergency_id": id,
		"reason":       reason,
		"responders":   len(responders),
	})

	d.logger.Warn("Emergency escalated",
		zap.String("emergency_id", id),
		zap.String("reason", reason),
	)

	return nil
}

// Resolve 解决事件：先落库，成功后才离开活动集合并停止位置追踪
// 存储瞬时失败时事件保持活动，调用方可重试
func (d *Dispatcher) Resolve(ctx context.Context, id, resolution string) error {
	ae, err := d.activeByID(id)
	if err != nil {
		return err
	}

	ae.mu.Lock()
	deviceID := ae.emergency.DeviceID
	ae.mu.Unlock()

	now := time.Now()
	status := models.EmergencyResolved
	if err := d.store.UpdateEmergency(ctx, id, models.EmergencyPatch{
		Status:     &status,
		ResolvedAt: &now,
		Resolution: &resolution,
	}); err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}

	d.mu.Lock()
	_, still := d.active[id]
	if still {
		delete(d.active, id)
		delete(d.byDevice, deviceID)
	}
	d.mu.Unlock()
	if !still {
		// 并发 Resolve 已完成收尾
		return nil
	}

	ae.stop()

	ae.mu.Lock()
	ae.emergency.Status = status
	ae.emergency.ResolvedAt = &now
	ae.mu.Unlock()

	if err := d.tracker.StopTracking(ctx, deviceID); err != nil {
		d.logger.Error("Failed to stop location tracking",
			zap.String("emergency_id", id),
			zap.Error(err),
		)
	}

	d.scheduleMinimization(id)

	d.emitter.Emit(events.EmergencyResolved, map[string]interface{}{
		"emergency_id": id,
		"resolution":   resolution,
	})

	d.logger.Info("Emergency resolved",
		zap.String("emergency_id", id),
		zap.String("resolution", resolution),
	)

	return nil
}

// UpdateLocation 紧急事件期间刷新设备位置
// 无活动事件的设备直接拒绝（隐私硬约束），成功后评估区域拥挤度
func (d *Dispatcher) UpdateLocation(ctx context.Context, deviceID, zoneID string, coords *models.GeoPoint) error {
	if err := d.tracker.UpdateLocation(ctx, deviceID, zoneID, coords); err != nil {
		return err
	}

	occupancy, err := d.ZoneOccupancy(ctx, zoneID)
	if err != nil {
		d.logger.Error("Zone occupancy check failed",
			zap.String("zone_id", zoneID),
			zap.Error(err),
		)
		return nil
	}
	if occupancy.Crowded {
		d.emitter.Emit(events.ZoneCrowding, map[string]interface{}{
			"zone_id":  zoneID,
			"count":    occupancy.Count,
			"capacity": occupancy.Capacity,
		})
	}

	return nil
}

// ZoneOccupancy 区域匿名占用统计与拥挤标志
func (d *Dispatcher) ZoneOccupancy(ctx context.Context, zoneID string) (models.ZoneOccupancy, error) {
	count, err := d.tracker.ZoneCount(ctx, zoneID)
	if err != nil {
		return models.ZoneOccupancy{}, err
	}

	return models.ZoneOccupancy{
		ZoneID:   zoneID,
		Count:    count,
		Capacity: d.opts.ZoneMaxCapacity,
		Crowded:  float64(count) >= d.opts.CrowdingRatio*float64(d.opts.ZoneMaxCapacity),
	}, nil
}

// Get 活动事件快照
func (d *Dispatcher) Get(id string) (*models.Emergency, error) {
	ae, err := d.activeByID(id)
	if err != nil {
		return nil, err
	}

	ae.mu.Lock()
	defer ae.mu.Unlock()
	snapshot := ae.emergency
	return &snapshot, nil
}

// Stop 停止所有响应监控与保留期定时器
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for _, ae := range d.active {
		ae.stop()
	}
	d.active = make(map[string]*activeEmergency)
	d.byDevice = make(map[string]string)
	d.mu.Unlock()

	d.timerMu.Lock()
	for id, timer := range d.retentionTimers {
		timer.Stop()
		delete(d.retentionTimers, id)
	}
	d.timerMu.Unlock()
}

func (d *Dispatcher) activeByID(id string) (*activeEmergency, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ae, ok := d.active[id]
	if !ok {
		return nil, ErrEmergencyUnknown
	}
	return ae, nil
}

// computeResponders 匹配在岗安保：按与事发区域的距离升序
func (d *Dispatcher) computeResponders(ctx context.Context, zoneID string) ([]models.Responder, error) {
	users, err := d.store.FindActiveSecurityUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find security users: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	inZone, err := d.locator.DevicesInZone(ctx, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate zone devices: %w", err)
	}
	zoneSet := make(map[string]bool, len(inZone))
	for _, deviceID := range inZone {
		zoneSet[deviceID] = true
	}

	responders := make([]models.Responder, 0, len(users))
	for _, u := range users {
		responderZone := ""
		if zoneSet[u.DeviceID] {
			responderZone = zoneID
		}
		responders = append(responders, models.Responder{
			UserID:     u.UserID,
			DeviceID:   u.DeviceID,
			ZoneID:     responderZone,
			DistanceKm: d.distance(responderZone, zoneID),
		})
	}

	sort.SliceStable(responders, func(i, j int) bool {
		return responders[i].DistanceKm < responders[j].DistanceKm
	})

	return responders, nil
}

// responseMonitor 响应时间监控：阈值内未进入 RESPONDING 则自动升级一次
// 事件离开活动集合后自行终止，不留定时器
func (d *Dispatcher) responseMonitor(ae *activeEmergency) {
	ticker := time.NewTicker(d.opts.MonitorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ae.stopCh:
			return
		case <-ticker.C:
			ae.mu.Lock()
			id := ae.emergency.ID
			stalled := ae.emergency.Status == models.EmergencyActive &&
				!ae.escalated &&
				time.Since(ae.emergency.CreatedAt) >= d.opts.ResponseTimeThreshold
			done := ae.escalated || ae.emergency.Status != models.EmergencyActive
			ae.mu.Unlock()

			if stalled {
				if err := d.Escalate(context.Background(), id, "response_timeout"); err != nil {
					// 存储瞬时失败：升级标记未落下，下个周期重试
					d.logger.Error("Automatic escalation failed",
						zap.String("emergency_id", id),
						zap.Error(err),
					)
					continue
				}
				return
			}
			if done {
				// 已升级或已推进，无需继续监控
				return
			}
		}
	}
}

// scheduleMinimization 保留期满后剥离位置数据，仅保留匿名审计标记
func (d *Dispatcher) scheduleMinimization(id string) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	d.retentionTimers[id] = time.AfterFunc(d.opts.RetentionPeriod, func() {
		if err := d.store.MinimizeEmergency(context.Background(), id); err != nil {
			d.logger.Error("Data minimization failed",
				zap.String("emergency_id", id),
				zap.Error(err),
			)
		}
		d.timerMu.Lock()
		delete(d.retentionTimers, id)
		d.timerMu.Unlock()
	})
}
