package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"nightguard-core/internal/balancer"
	"nightguard-core/internal/breaker"
	"nightguard-core/internal/config"
	"nightguard-core/internal/connection"
	"nightguard-core/internal/dispatch"
	"nightguard-core/internal/events"
	"nightguard-core/internal/models"
	"nightguard-core/internal/repository"
	"nightguard-core/internal/tracker"
	"nightguard-core/internal/transport"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// GuardianService 夜场安全核心服务（整合各层）
type GuardianService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	emitter       *events.Emitter
	emergencyRepo *repository.EmergencyRepository
	locTracker    *tracker.Tracker
	connManager   *connection.Manager
	nodeBalancer  *balancer.Balancer
	dispatcher    *dispatch.Dispatcher

	cancel context.CancelFunc
}

// NewGuardianService 创建核心服务
func NewGuardianService(cfg *config.Config, logger *zap.Logger) (*GuardianService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 事件发射器与跨进程流发布
	emitter := events.NewEmitter(logger)
	publisher := events.NewStreamPublisher(redisClient, cfg.Events.Stream, logger)
	emitter.Subscribe(publisher.Handler())

	// 4. 持久层与位置追踪
	emergencyRepo := repository.NewEmergencyRepository(db, logger)
	locTracker := tracker.New(redisClient, cfg.Emergency.LocationTTL, logger)

	// 5. 链路承载：WebSocket 主链路 + MQTT 备用链路
	primaryFactory := transport.NewWebSocketFactory(logger)
	backupFactory := transport.NewMQTTFactory(
		cfg.MQTT.Broker, cfg.MQTT.Username, cfg.MQTT.Password, cfg.MQTT.QoS, logger)

	breakerOpts := breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenSuccess:  cfg.Breaker.HalfOpenSuccess,
		TimeoutDuration:  cfg.Breaker.TimeoutDuration,
		MonitorInterval:  cfg.Breaker.MonitorInterval,
	}

	connManager := connection.New(
		connection.Options{
			HeartbeatInterval:       cfg.Connection.HeartbeatInterval,
			HeartbeatTimeout:        cfg.Connection.HeartbeatTimeout,
			MaxReconnectAttempts:    cfg.Connection.MaxReconnectAttempts,
			ReconnectInterval:       cfg.Connection.ReconnectInterval,
			QualityCheckInterval:    cfg.Connection.QualityCheckInterval,
			BackupConnectionTimeout: cfg.Connection.BackupConnectionTimeout,
		},
		primaryFactory, backupFactory, breakerOpts, emitter, logger,
	)

	// 6. 节点池
	nodeBalancer := balancer.New(
		balancer.Options{
			ProbeInterval:   cfg.Balancer.ProbeInterval,
			ProbeTimeout:    cfg.Balancer.ProbeTimeout,
			MinSuccessCount: cfg.Balancer.MinSuccessCount,
			MaxErrorCount:   cfg.Balancer.MaxErrorCount,
		},
		emitter, logger,
	)
	for _, node := range cfg.Balancer.Nodes {
		if err := nodeBalancer.AddNode(node, 1, nil); err != nil {
			return nil, fmt.Errorf("failed to register node: %w", err)
		}
	}

	// 7. 紧急事件调度
	dispatcher := dispatch.New(
		dispatch.Options{
			ResponseTimeThreshold: cfg.Emergency.ResponseTimeThreshold,
			MonitorPollInterval:   cfg.Emergency.MonitorPollInterval,
			RetentionPeriod:       cfg.Emergency.RetentionPeriod,
			ZoneMaxCapacity:       cfg.Emergency.ZoneMaxCapacity,
			CrowdingRatio:         cfg.Emergency.CrowdingRatio,
		},
		emergencyRepo, locTracker, nil, emitter, logger,
	)

	s := &GuardianService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		emitter:       emitter,
		emergencyRepo: emergencyRepo,
		locTracker:    locTracker,
		connManager:   connManager,
		nodeBalancer:  nodeBalancer,
		dispatcher:    dispatcher,
	}

	// 设备上行信号接入调度器
	connManager.SetMessageHandler(s.handleDeviceSignal)

	return s, nil
}

// Start 启动后台循环，阻塞直到 ctx 取消
func (s *GuardianService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("Starting guardian service",
		zap.Int("nodes", len(s.config.Balancer.Nodes)),
	)

	go s.nodeBalancer.Start(runCtx)

	<-runCtx.Done()
	return nil
}

// Stop 优雅关闭：先停定时器，再断开外部连接
func (s *GuardianService) Stop() {
	s.logger.Info("Stopping guardian service")

	if s.cancel != nil {
		s.cancel()
	}
	s.dispatcher.Stop()
	s.connManager.Stop()

	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Guardian service stopped")
}

// Emitter 事件发射器（外部广播层订阅用）
func (s *GuardianService) Emitter() *events.Emitter {
	return s.emitter
}

// Connections 连接管理器
func (s *GuardianService) Connections() *connection.Manager {
	return s.connManager
}

// Dispatcher 紧急事件调度器
func (s *GuardianService) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Balancer 节点选择器
func (s *GuardianService) Balancer() *balancer.Balancer {
	return s.nodeBalancer
}

// deviceSignal 设备上行业务信号
type deviceSignal struct {
	Type      string   `json:"type"`
	Timestamp int64    `json:"timestamp"`
	ZoneID    string   `json:"zone_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// handleDeviceSignal 处理非心跳设备消息：紧急信号与位置上报
func (s *GuardianService) handleDeviceSignal(deviceID string, payload []byte) {
	var sig deviceSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		s.logger.Debug("Unparseable device signal",
			zap.String("device_id", deviceID),
		)
		return
	}

	ctx := context.Background()

	switch sig.Type {
	case "EMERGENCY":
		if _, err := s.dispatcher.CreateEmergency(ctx, deviceID, sig.ZoneID); err != nil {
			s.logger.Error("Failed to create emergency from device signal",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	case "LOCATION":
		coords := coordsFromSignal(sig)
		if err := s.dispatcher.UpdateLocation(ctx, deviceID, sig.ZoneID, coords); err != nil {
			// 无活动事件的位置上报按隐私约束丢弃，仅 debug 记录
			s.logger.Debug("Location update rejected",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	default:
		s.logger.Debug("Unknown device signal type",
			zap.String("device_id", deviceID),
			zap.String("type", sig.Type),
		)
	}
}

func coordsFromSignal(sig deviceSignal) *models.GeoPoint {
	if sig.Latitude == nil || sig.Longitude == nil {
		return nil
	}
	return &models.GeoPoint{
		Latitude:  *sig.Latitude,
		Longitude: *sig.Longitude,
	}
}
