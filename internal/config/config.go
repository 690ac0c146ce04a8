package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 夜场安全核心服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 设备连接管理配置
	Connection struct {
		HeartbeatInterval       time.Duration // 心跳间隔，默认 30秒
		HeartbeatTimeout        time.Duration // 心跳超时，默认 45秒
		MaxReconnectAttempts    int           // 最大重连次数，默认 10
		ReconnectInterval       time.Duration // 重连基础间隔，默认 3秒
		QualityCheckInterval    time.Duration // 质量评分间隔，默认 10秒
		BackupConnectionTimeout time.Duration // 备用链路建立超时，默认 2秒
	}

	// 熔断器配置
	Breaker struct {
		FailureThreshold int           // 超时累计阈值，默认 5
		ResetTimeout     time.Duration // OPEN → HALF_OPEN 等待时间，默认 60秒
		HalfOpenSuccess  int           // HALF_OPEN 恢复所需连续成功次数，默认 3
		TimeoutDuration  time.Duration // 单次调用超时，默认 5秒
		MonitorInterval  time.Duration // 周期监控间隔，默认 10秒
	}

	// 负载均衡配置
	Balancer struct {
		ProbeInterval   time.Duration // 健康探测间隔，默认 10秒
		ProbeTimeout    time.Duration // 单次探测超时，默认 3秒
		MinSuccessCount int           // 连续成功多少次后标记健康，默认 2
		MaxErrorCount   int           // 连续失败多少次后标记不健康，默认 3
		Nodes           []string      // 节点池（启动时注册，运行期不变）
	}

	// 紧急事件调度配置
	Emergency struct {
		ResponseTimeThreshold time.Duration // 响应超时升级阈值，默认 120秒
		MonitorPollInterval   time.Duration // 响应监控轮询间隔，默认 10秒
		LocationTTL           time.Duration // 位置数据保留上限，默认 300秒
		RetentionPeriod       time.Duration // 已解决事件数据最小化延迟，默认 30天
		ZoneMaxCapacity       int           // 区域最大容量，默认 100
		CrowdingRatio         float64       // 拥挤告警比例，默认 0.8
	}

	// 事件流配置
	Events struct {
		Stream string // Redis Streams 流名称，默认 "nightguard:events"
	}

	Log struct {
		Level  string
		Format string
	}
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（设备备用链路承载）
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	QoS      byte
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（带默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "nightguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	// 连接管理配置
	cfg.Connection.HeartbeatInterval = getEnvMillis("HEARTBEAT_INTERVAL_MS", 30000)
	cfg.Connection.HeartbeatTimeout = getEnvMillis("HEARTBEAT_TIMEOUT_MS", 45000)
	cfg.Connection.MaxReconnectAttempts = getEnvInt("MAX_RECONNECT_ATTEMPTS", 10)
	cfg.Connection.ReconnectInterval = getEnvMillis("RECONNECT_INTERVAL_MS", 3000)
	cfg.Connection.QualityCheckInterval = getEnvMillis("QUALITY_CHECK_INTERVAL_MS", 10000)
	cfg.Connection.BackupConnectionTimeout = getEnvMillis("BACKUP_CONNECTION_TIMEOUT_MS", 2000)

	// 熔断器配置
	cfg.Breaker.FailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.Breaker.ResetTimeout = getEnvMillis("BREAKER_RESET_TIMEOUT_MS", 60000)
	cfg.Breaker.HalfOpenSuccess = getEnvInt("BREAKER_HALF_OPEN_SUCCESS", 3)
	cfg.Breaker.TimeoutDuration = getEnvMillis("BREAKER_TIMEOUT_MS", 5000)
	cfg.Breaker.MonitorInterval = getEnvMillis("BREAKER_MONITOR_INTERVAL_MS", 10000)

	// 负载均衡配置
	cfg.Balancer.ProbeInterval = getEnvMillis("LB_PROBE_INTERVAL_MS", 10000)
	cfg.Balancer.ProbeTimeout = getEnvMillis("LB_PROBE_TIMEOUT_MS", 3000)
	cfg.Balancer.MinSuccessCount = getEnvInt("LB_MIN_SUCCESS_COUNT", 2)
	cfg.Balancer.MaxErrorCount = getEnvInt("LB_MAX_ERROR_COUNT", 3)
	if nodes := getEnv("LB_NODES", ""); nodes != "" {
		for _, node := range strings.Split(nodes, ",") {
			if trimmed := strings.TrimSpace(node); trimmed != "" {
				cfg.Balancer.Nodes = append(cfg.Balancer.Nodes, trimmed)
			}
		}
	}

	// 紧急事件配置
	cfg.Emergency.ResponseTimeThreshold = getEnvMillis("RESPONSE_TIME_THRESHOLD_MS", 120000)
	cfg.Emergency.MonitorPollInterval = getEnvMillis("EMERGENCY_MONITOR_POLL_MS", 10000)
	cfg.Emergency.LocationTTL = getEnvMillis("EMERGENCY_LOCATION_TTL_MS", 300000)
	cfg.Emergency.RetentionPeriod = time.Duration(getEnvInt("EMERGENCY_RETENTION_DAYS", 30)) * 24 * time.Hour
	cfg.Emergency.ZoneMaxCapacity = getEnvInt("ZONE_MAX_CAPACITY", 100)
	cfg.Emergency.CrowdingRatio = 0.8

	cfg.Events.Stream = getEnv("EVENT_STREAM", "nightguard:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvMillis 读取毫秒数值并转换为 time.Duration
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}
