package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nightguard-core/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrNotTracked 设备当前无活动紧急事件，位置更新被拒绝
// 这是隐私硬约束：无事件不留痕，而非优化
var ErrNotTracked = errors.New("device not tracked: no active emergency")

const (
	deviceKeyPrefix = "nightguard:location:device:"
	zoneKeyPrefix   = "nightguard:location:zone:"
)

// Tracker 临时位置追踪器
// 位置仅存于 Redis，设备键携带原生 TTL，到期无条件过期（更新不续期）
type Tracker struct {
	redisClient *redis.Client
	ttl         time.Duration
	logger      *zap.Logger
}

// New 创建位置追踪器
func New(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		redisClient: redisClient,
		ttl:         ttl,
		logger:      logger,
	}
}

func deviceKey(deviceID string) string {
	return deviceKeyPrefix + deviceID
}

func zoneKey(zoneID string) string {
	return zoneKeyPrefix + zoneID
}

// StartTracking 开始追踪（仅在紧急事件创建时调用）
func (t *Tracker) StartTracking(ctx context.Context, deviceID, zoneID string) error {
	loc := models.EphemeralLocation{
		DeviceID:  deviceID,
		ZoneID:    zoneID,
		Timestamp: time.Now().UnixMilli(),
	}
	jsonData, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	if err := t.redisClient.Set(ctx, deviceKey(deviceID), jsonData, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to start tracking: %w", err)
	}
	if err := t.addToZone(ctx, deviceID, zoneID); err != nil {
		return err
	}

	t.logger.Info("Location tracking started",
		zap.String("device_id", deviceID),
		zap.String("zone_id", zoneID),
		zap.Duration("ttl", t.ttl),
	)

	return nil
}

// UpdateLocation 刷新位置
// 设备键不存在（无活动事件或已过 TTL）时返回 ErrNotTracked；
// 写入保留原 TTL，到期时间不因更新后移
func (t *Tracker) UpdateLocation(ctx context.Context, deviceID, zoneID string, coords *models.GeoPoint) error {
	prev, err := t.GetLocation(ctx, deviceID)
	if err != nil {
		return err
	}

	loc := models.EphemeralLocation{
		DeviceID:  deviceID,
		ZoneID:    zoneID,
		Location:  coords,
		Timestamp: time.Now().UnixMilli(),
	}
	jsonData, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	ok, err := t.redisClient.SetXX(ctx, deviceKey(deviceID), jsonData, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	if !ok {
		// 键在读取与写入之间过期
		return ErrNotTracked
	}

	if prev.ZoneID != zoneID {
		if err := t.redisClient.SRem(ctx, zoneKey(prev.ZoneID), deviceID).Err(); err != nil {
			return fmt.Errorf("failed to leave zone %s: %w", prev.ZoneID, err)
		}
		if err := t.addToZone(ctx, deviceID, zoneID); err != nil {
			return err
		}
	}

	return nil
}

// StopTracking 停止追踪并删除位置数据（事件解决时立即调用）
func (t *Tracker) StopTracking(ctx context.Context, deviceID string) error {
	loc, err := t.GetLocation(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotTracked) {
			return nil
		}
		return err
	}

	if err := t.redisClient.Del(ctx, deviceKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to stop tracking: %w", err)
	}
	if err := t.redisClient.SRem(ctx, zoneKey(loc.ZoneID), deviceID).Err(); err != nil {
		return fmt.Errorf("failed to leave zone %s: %w", loc.ZoneID, err)
	}

	t.logger.Info("Location tracking stopped",
		zap.String("device_id", deviceID),
	)

	return nil
}

// GetLocation 读取当前位置，无追踪返回 ErrNotTracked
func (t *Tracker) GetLocation(ctx context.Context, deviceID string) (*models.EphemeralLocation, error) {
	val, err := t.redisClient.Get(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotTracked
		}
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	var loc models.EphemeralLocation
	if err := json.Unmarshal([]byte(val), &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}

	return &loc, nil
}

// IsTracked 设备是否处于追踪中
func (t *Tracker) IsTracked(ctx context.Context, deviceID string) (bool, error) {
	count, err := t.redisClient.Exists(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check tracking: %w", err)
	}
	return count > 0, nil
}

// ZoneCount 区域内仍在追踪中的设备匿名计数
// 读取时剔除设备键已过期的成员（区域集合不携带逐成员 TTL）
func (t *Tracker) ZoneCount(ctx context.Context, zoneID string) (int, error) {
	members, err := t.redisClient.SMembers(ctx, zoneKey(zoneID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read zone members: %w", err)
	}

	count := 0
	for _, deviceID := range members {
		exists, err := t.redisClient.Exists(ctx, deviceKey(deviceID)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to check zone member: %w", err)
		}
		if exists > 0 {
			count++
		} else {
			t.redisClient.SRem(ctx, zoneKey(zoneID), deviceID)
		}
	}

	return count, nil
}

// DevicesInZone 区域内仍在追踪中的设备列表（响应人员匹配用）
func (t *Tracker) DevicesInZone(ctx context.Context, zoneID string) ([]string, error) {
	members, err := t.redisClient.SMembers(ctx, zoneKey(zoneID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read zone members: %w", err)
	}

	var alive []string
	for _, deviceID := range members {
		exists, err := t.redisClient.Exists(ctx, deviceKey(deviceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check zone member: %w", err)
		}
		if exists > 0 {
			alive = append(alive, deviceID)
		}
	}

	return alive, nil
}

// addToZone 将设备加入区域集合，集合本身随 TTL 兜底过期
func (t *Tracker) addToZone(ctx context.Context, deviceID, zoneID string) error {
	key := zoneKey(zoneID)
	if err := t.redisClient.SAdd(ctx, key, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to join zone %s: %w", zoneID, err)
	}
	if err := t.redisClient.Expire(ctx, key, 2*t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh zone ttl: %w", err)
	}
	return nil
}
