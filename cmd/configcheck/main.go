package main

import (
	"fmt"
	"os"

	"github.com/charging-platform/fleet-simulator/internal/config"
)

// 配置调试工具
// 用于验证和调试配置加载，支持多环境配置测试
func main() {
	fmt.Println("=== Fleet Simulator Configuration Test ===")

	// 显示环境变量
	fmt.Println("\n--- Environment Variables ---")
	envVars := []string{
		"SIMULATOR_APP_PROFILE",
		"SIMULATOR_CSMS_URL",
		"SIMULATOR_FLEET_MAX_SESSIONS",
		"SIMULATOR_REDIS_ADDR",
		"SIMULATOR_KAFKA_BROKERS",
		"SIMULATOR_LOG_LEVEL",
		"SIMULATOR_MONITORING_METRICS_ADDR",
	}

	for _, env := range envVars {
		value := os.Getenv(env)
		if value != "" {
			fmt.Printf("%s = %s\n", env, value)
		} else {
			fmt.Printf("%s = (not set)\n", env)
		}
	}

	// 加载配置
	fmt.Println("\n--- Loading Configuration ---")
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// 显示最终配置
	fmt.Println("\n--- Final Configuration ---")
	fmt.Printf("App Name: %s\n", cfg.App.Name)
	fmt.Printf("App Version: %s\n", cfg.App.Version)
	fmt.Printf("App Profile: %s\n", cfg.App.Profile)
	fmt.Printf("CSMS URL: %s\n", cfg.CSMS.URL)
	fmt.Printf("CSMS Subprotocol: %s\n", cfg.CSMS.Subprotocol)
	fmt.Printf("Charger Type: %s\n", cfg.Session.ChargerType)
	fmt.Printf("Vehicle Profile: %s\n", cfg.Session.VehicleProfile)
	fmt.Printf("Max Sessions: %d\n", cfg.Fleet.MaxSessions)
	fmt.Printf("Batch Workers: %d\n", cfg.Fleet.BatchWorkers)
	fmt.Printf("Kafka Enabled: %v (brokers: %v)\n", cfg.Features.KafkaEnabled, cfg.Kafka.Brokers)
	fmt.Printf("Redis Enabled: %v (addr: %s)\n", cfg.Features.RedisEnabled, cfg.Redis.Addr)
	fmt.Printf("Recorder Enabled: %v\n", cfg.Features.RecorderEnabled)
	fmt.Printf("Log Level: %s\n", cfg.Log.Level)
	fmt.Printf("Metrics Address: %s\n", cfg.GetMetricsAddr())

	// 环境检查
	fmt.Println("\n--- Environment Check ---")
	fmt.Printf("Is Development: %v\n", cfg.IsDevelopment())
	fmt.Printf("Is Test: %v\n", cfg.IsTest())
	fmt.Printf("Is Production: %v\n", cfg.IsProduction())

	fmt.Println("\n=== Configuration Test Complete ===")
}
