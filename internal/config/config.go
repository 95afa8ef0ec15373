package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 屏幕目录数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig 推送通道 Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config 终端代理配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	Agent struct {
		// Hostname 启动参数主机名（写入目录 name 字段）；为空时沿用上次缓存
		Hostname string `yaml:"hostname"`

		// HeartbeatInterval 心跳/轮询间隔（秒）
		HeartbeatInterval int `yaml:"heartbeat_interval"`
		// HealthInterval 推送通道健康采样间隔（秒）
		HealthInterval int `yaml:"health_interval"`
		// DisconnectThreshold 连续断开多久后强制重载（秒）
		DisconnectThreshold int `yaml:"disconnect_threshold"`

		// RegisterMaxAttempts 注册重试上限
		RegisterMaxAttempts int `yaml:"register_max_attempts"`
		// RegisterRetryDelay 瞬时故障重试等待（秒）
		RegisterRetryDelay int `yaml:"register_retry_delay"`

		// StatePath 本地状态库（SQLite）路径
		StatePath string `yaml:"state_path"`
		// StatusFile 状态文件路径（屏幕渲染端轮询展示）
		StatusFile string `yaml:"status_file"`

		// NavigateCommand 指派生效时执行的导航命令（路径作为最后一个参数）
		NavigateCommand string `yaml:"navigate_command"`

		// ContentBaseURL 内容服务基址（导航前可达性探测用）
		ContentBaseURL string `yaml:"content_base_url"`
		// ProbeTimeout 探测超时（秒），0 表示禁用探测
		ProbeTimeout int `yaml:"probe_timeout"`
	} `yaml:"agent"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置
// 优先级：环境变量 > KIOSK_CONFIG_FILE 指向的 YAML 文件 > 默认值
func Load() (*Config, error) {
	cfg := &Config{}

	// 默认值
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "screens"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 0

	cfg.Agent.HeartbeatInterval = 30
	cfg.Agent.HealthInterval = 5
	cfg.Agent.DisconnectThreshold = 30
	cfg.Agent.RegisterMaxAttempts = 10
	cfg.Agent.RegisterRetryDelay = 2
	cfg.Agent.StatePath = "/var/lib/kiosk-agent/state.db"
	cfg.Agent.StatusFile = "/var/lib/kiosk-agent/status.json"
	cfg.Agent.ProbeTimeout = 5

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	// 可选 YAML 配置文件
	if path := os.Getenv("KIOSK_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// 环境变量覆盖
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Agent.Hostname = getEnv("KIOSK_HOSTNAME", cfg.Agent.Hostname)
	cfg.Agent.HeartbeatInterval = getEnvInt("KIOSK_HEARTBEAT_INTERVAL", cfg.Agent.HeartbeatInterval)
	cfg.Agent.HealthInterval = getEnvInt("KIOSK_HEALTH_INTERVAL", cfg.Agent.HealthInterval)
	cfg.Agent.DisconnectThreshold = getEnvInt("KIOSK_DISCONNECT_THRESHOLD", cfg.Agent.DisconnectThreshold)
	cfg.Agent.RegisterMaxAttempts = getEnvInt("KIOSK_REGISTER_MAX_ATTEMPTS", cfg.Agent.RegisterMaxAttempts)
	cfg.Agent.RegisterRetryDelay = getEnvInt("KIOSK_REGISTER_RETRY_DELAY", cfg.Agent.RegisterRetryDelay)
	cfg.Agent.StatePath = getEnv("KIOSK_STATE_PATH", cfg.Agent.StatePath)
	cfg.Agent.StatusFile = getEnv("KIOSK_STATUS_FILE", cfg.Agent.StatusFile)
	cfg.Agent.NavigateCommand = getEnv("KIOSK_NAVIGATE_COMMAND", cfg.Agent.NavigateCommand)
	cfg.Agent.ContentBaseURL = getEnv("KIOSK_CONTENT_BASE_URL", cfg.Agent.ContentBaseURL)
	cfg.Agent.ProbeTimeout = getEnvInt("KIOSK_PROBE_TIMEOUT", cfg.Agent.ProbeTimeout)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	return cfg, nil
}

// getEnv 读取环境变量，未设置时返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 读取整数环境变量，未设置或非法时返回默认值
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}
