package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		cleanup  func()
		wantErr  bool
		validate func(*testing.T, *Config)
	}{
		{
			name: "load default config",
			setup: func() {
				viper.Reset()
			},
			cleanup: func() {
				viper.Reset()
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "fleet-simulator", cfg.App.Name)
				assert.Equal(t, "ws://localhost:8080/ocpp", cfg.CSMS.URL)
				assert.Equal(t, "ocpp1.6", cfg.CSMS.Subprotocol)
				assert.Equal(t, 1, cfg.Session.ConnectorCount)
				assert.Equal(t, 300*time.Second, cfg.Session.HeartbeatInterval)
				assert.Equal(t, 60*time.Second, cfg.Session.MeterValueSampleInterval)
				assert.Equal(t, time.Duration(0), cfg.Session.ClockAlignedDataInterval)
				assert.Equal(t, 256, cfg.Session.SendQueueSize)
				assert.Equal(t, 25000, cfg.Fleet.MaxSessions)
				assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
			},
		},
		{
			name: "load config with environment variables",
			setup: func() {
				viper.Reset()
				os.Setenv("SIMULATOR_CSMS_URL", "wss://csms.example.com/ocpp")
				os.Setenv("SIMULATOR_SESSION_HEARTBEAT_INTERVAL", "120s")
			},
			cleanup: func() {
				os.Unsetenv("SIMULATOR_CSMS_URL")
				os.Unsetenv("SIMULATOR_SESSION_HEARTBEAT_INTERVAL")
				viper.Reset()
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "wss://csms.example.com/ocpp", cfg.CSMS.URL)
				assert.Equal(t, 120*time.Second, cfg.Session.HeartbeatInterval)
			},
		},
		{
			name: "load config with custom values",
			setup: func() {
				viper.Reset()
				viper.Set("session.connector_count", 2)
				viper.Set("session.charger_type", "DC_150")
				viper.Set("fleet.batch_workers", 128)
				viper.Set("cache.ttl", "30m")
			},
			cleanup: func() {
				viper.Reset()
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.Session.ConnectorCount)
				assert.Equal(t, "DC_150", cfg.Session.ChargerType)
				assert.Equal(t, 128, cfg.Fleet.BatchWorkers)
				assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
			},
		},
		{
			name: "invalid csms url scheme",
			setup: func() {
				viper.Reset()
				viper.Set("csms.url", "http://localhost:8080/ocpp")
			},
			cleanup: func() {
				viper.Reset()
			},
			wantErr: true,
		},
		{
			name: "invalid initial soc",
			setup: func() {
				viper.Reset()
				viper.Set("session.initial_soc", 150.0)
			},
			cleanup: func() {
				viper.Reset()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer tt.cleanup()

			cfg, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(cfg *Config) {},
			wantErr: "",
		},
		{
			name: "empty csms url",
			mutate: func(cfg *Config) {
				cfg.CSMS.URL = ""
			},
			wantErr: "csms.url is required",
		},
		{
			name: "zero connector count",
			mutate: func(cfg *Config) {
				cfg.Session.ConnectorCount = 0
			},
			wantErr: "connector_count",
		},
		{
			name: "kafka enabled without brokers",
			mutate: func(cfg *Config) {
				cfg.Features.KafkaEnabled = true
				cfg.Kafka.Brokers = nil
			},
			wantErr: "kafka.brokers",
		},
		{
			name: "redis enabled without addr",
			mutate: func(cfg *Config) {
				cfg.Features.RedisEnabled = true
				cfg.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ProfileHelpers(t *testing.T) {
	cfg := &Config{App: AppConfig{Profile: "dev"}}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsTest())
	assert.False(t, cfg.IsProduction())

	cfg.App.Profile = "test"
	assert.True(t, cfg.IsTest())

	cfg.App.Profile = "prod"
	assert.True(t, cfg.IsProduction())
}

func TestConfig_GetMetricsAddr(t *testing.T) {
	cfg := &Config{
		Monitoring: MonitoringConfig{
			MetricsAddr: ":9091",
		},
	}

	assert.Equal(t, ":9091", cfg.GetMetricsAddr())
}
