package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 模拟器配置结构
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	CSMS       CSMSConfig       `mapstructure:"csms"`
	Session    SessionConfig    `mapstructure:"session"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Features   FeatureConfig    `mapstructure:"features"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig 应用基本信息
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Profile string `mapstructure:"profile"` // dev, test, prod
}

// CSMSConfig 中央系统连接配置
type CSMSConfig struct {
	URL            string        `mapstructure:"url"`
	Subprotocol    string        `mapstructure:"subprotocol"`
	BearerToken    string        `mapstructure:"bearer_token"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// SessionConfig 会话默认参数
type SessionConfig struct {
	Vendor                   string        `mapstructure:"vendor"`
	Model                    string        `mapstructure:"model"`
	FirmwareVersion          string        `mapstructure:"firmware_version"`
	ConnectorCount           int           `mapstructure:"connector_count"`
	ChargerType              string        `mapstructure:"charger_type"`
	VehicleProfile           string        `mapstructure:"vehicle_profile"`
	IdTag                    string        `mapstructure:"id_tag"`
	DataTransferVendorID     string        `mapstructure:"data_transfer_vendor_id"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	MeterValueSampleInterval time.Duration `mapstructure:"meter_value_sample_interval"`
	ClockAlignedDataInterval time.Duration `mapstructure:"clock_aligned_data_interval"`
	CallTimeout              time.Duration `mapstructure:"call_timeout"`
	BootCallTimeout          time.Duration `mapstructure:"boot_call_timeout"`
	InitialSoc               float64       `mapstructure:"initial_soc"`
	TargetSoc                float64       `mapstructure:"target_soc"`
	SendQueueSize            int           `mapstructure:"send_queue_size"`
}

// FleetConfig 批量操作与注册表配置
type FleetConfig struct {
	MaxSessions     int           `mapstructure:"max_sessions"`
	BatchWorkers    int           `mapstructure:"batch_workers"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	SnapshotPeriod  time.Duration `mapstructure:"snapshot_period"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// FeatureConfig 功能开关
type FeatureConfig struct {
	HeartbeatEnabled   bool `mapstructure:"heartbeat_enabled"`
	MeterValuesEnabled bool `mapstructure:"meter_values_enabled"`
	RecorderEnabled    bool `mapstructure:"recorder_enabled"`
	KafkaEnabled       bool `mapstructure:"kafka_enabled"`
	RedisEnabled       bool `mapstructure:"redis_enabled"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers         []string       `mapstructure:"brokers"`
	EventsTopic     string         `mapstructure:"events_topic"`
	RecordingsTopic string         `mapstructure:"recordings_topic"`
	MetricsTopic    string         `mapstructure:"metrics_topic"`
	Producer        ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig Kafka生产者配置
type ProducerConfig struct {
	RetryMax       int           `mapstructure:"retry_max"`
	ReturnSuccess  bool          `mapstructure:"return_successes"`
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CacheConfig 授权缓存配置
type CacheConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	PprofEnabled bool   `mapstructure:"pprof_enabled"`
}

// Load 加载配置: 默认值 + 可选配置文件 + SIMULATOR_* 环境变量
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("SIMULATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config_file"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置所有配置项的默认值
func setDefaults() {
	viper.SetDefault("app.name", "fleet-simulator")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.profile", "dev")

	viper.SetDefault("csms.url", "ws://localhost:8080/ocpp")
	viper.SetDefault("csms.subprotocol", "ocpp1.6")
	viper.SetDefault("csms.bearer_token", "")
	viper.SetDefault("csms.dial_timeout", "10s")
	viper.SetDefault("csms.backoff_initial", "1s")
	viper.SetDefault("csms.backoff_max", "30s")

	viper.SetDefault("session.vendor", "SimuCharge")
	viper.SetDefault("session.model", "SC-3000")
	viper.SetDefault("session.firmware_version", "1.0.0")
	viper.SetDefault("session.connector_count", 1)
	viper.SetDefault("session.charger_type", "AC_TRI")
	viper.SetDefault("session.vehicle_profile", "generic-ev")
	viper.SetDefault("session.id_tag", "SIM-TAG-0001")
	viper.SetDefault("session.data_transfer_vendor_id", "com.simucharge")
	viper.SetDefault("session.heartbeat_interval", "300s")
	viper.SetDefault("session.meter_value_sample_interval", "60s")
	viper.SetDefault("session.clock_aligned_data_interval", "0s")
	viper.SetDefault("session.call_timeout", "30s")
	viper.SetDefault("session.boot_call_timeout", "60s")
	viper.SetDefault("session.initial_soc", 20.0)
	viper.SetDefault("session.target_soc", 80.0)
	viper.SetDefault("session.send_queue_size", 256)

	viper.SetDefault("fleet.max_sessions", 25000)
	viper.SetDefault("fleet.batch_workers", 64)
	viper.SetDefault("fleet.batch_timeout", "60s")
	viper.SetDefault("fleet.snapshot_period", "1s")
	viper.SetDefault("fleet.shutdown_timeout", "30s")

	viper.SetDefault("features.heartbeat_enabled", true)
	viper.SetDefault("features.meter_values_enabled", true)
	viper.SetDefault("features.recorder_enabled", false)
	viper.SetDefault("features.kafka_enabled", false)
	viper.SetDefault("features.redis_enabled", false)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.events_topic", "simulator-events")
	viper.SetDefault("kafka.recordings_topic", "simulator-recordings")
	viper.SetDefault("kafka.metrics_topic", "simulator-metrics")
	viper.SetDefault("kafka.producer.retry_max", 3)
	viper.SetDefault("kafka.producer.return_successes", true)
	viper.SetDefault("kafka.producer.flush_frequency", "500ms")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "simulator")
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("cache.max_size", 10000)
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.cleanup_interval", "10m")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)

	viper.SetDefault("monitoring.metrics_addr", ":9090")
	viper.SetDefault("monitoring.pprof_enabled", false)
}

// Validate 校验配置的基本一致性
func (c *Config) Validate() error {
	if c.CSMS.URL == "" {
		return fmt.Errorf("csms.url is required")
	}
	if !strings.HasPrefix(c.CSMS.URL, "ws://") && !strings.HasPrefix(c.CSMS.URL, "wss://") {
		return fmt.Errorf("csms.url must use ws:// or wss:// scheme, got %q", c.CSMS.URL)
	}
	if c.Session.ConnectorCount < 1 {
		return fmt.Errorf("session.connector_count must be at least 1, got %d", c.Session.ConnectorCount)
	}
	if c.Session.SendQueueSize < 1 {
		return fmt.Errorf("session.send_queue_size must be positive, got %d", c.Session.SendQueueSize)
	}
	if c.Session.InitialSoc < 0 || c.Session.InitialSoc > 100 {
		return fmt.Errorf("session.initial_soc must be within [0,100], got %.1f", c.Session.InitialSoc)
	}
	if c.Session.TargetSoc < 0 || c.Session.TargetSoc > 100 {
		return fmt.Errorf("session.target_soc must be within [0,100], got %.1f", c.Session.TargetSoc)
	}
	if c.Fleet.BatchWorkers < 1 {
		return fmt.Errorf("fleet.batch_workers must be positive, got %d", c.Fleet.BatchWorkers)
	}
	if c.Features.KafkaEnabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when features.kafka_enabled is set")
	}
	if c.Features.RedisEnabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when features.redis_enabled is set")
	}
	return nil
}

// GetMetricsAddr 获取监控地址
func (c *Config) GetMetricsAddr() string {
	return c.Monitoring.MetricsAddr
}

// IsDevelopment 是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.App.Profile == "dev"
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.App.Profile == "test"
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return c.App.Profile == "prod"
}
