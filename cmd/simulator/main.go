package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/fleet-simulator/internal/config"
	"github.com/charging-platform/fleet-simulator/internal/fleet"
	"github.com/charging-platform/fleet-simulator/internal/logger"
	"github.com/charging-platform/fleet-simulator/internal/message"
	"github.com/charging-platform/fleet-simulator/internal/recorder"
	"github.com/charging-platform/fleet-simulator/internal/session"
	"github.com/charging-platform/fleet-simulator/internal/storage"
)

func main() {
	var (
		sessions = flag.Int("sessions", 1, "number of simulated charge points")
		prefix   = flag.String("prefix", "CP", "charge point id prefix")
		scenario = flag.String("scenario", "", "scenario to run on every session after startup")
		connect  = flag.Bool("connect", true, "connect all sessions to the CSMS on startup")
	)
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Infof("Fleet simulator %s starting (profile: %s)", cfg.App.Version, cfg.App.Profile)

	// 3. 初始化存储
	var store storage.Store
	if cfg.Features.RedisEnabled {
		redisStore, err := storage.NewRedisStore(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize Redis store: %v", err)
		}
		store = redisStore
		log.Infof("Redis store initialized at %s", cfg.Redis.Addr)
	} else {
		store = storage.NewNoopStore()
		log.Info("Persistence disabled, using noop store")
	}

	// 4. 初始化事件生产者
	var producer message.EventProducer
	if cfg.Features.KafkaEnabled {
		kafkaProducer, err := message.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		producer = kafkaProducer
		log.Infof("Kafka producer initialized with brokers %v", cfg.Kafka.Brokers)
	} else {
		producer = message.NewNoopProducer()
		log.Info("Kafka disabled, events will be discarded")
	}

	// 5. 启动录制管线
	rec := recorder.New(recorder.DefaultConfig(), producer, store, log.GetLogger())
	if err := rec.Start(); err != nil {
		log.Fatalf("Failed to start recorder: %v", err)
	}
	if cfg.Features.RecorderEnabled {
		recordingID, err := rec.StartRecording(recorder.RecordingOptions{Name: "fleet-run"})
		if err != nil {
			log.Fatalf("Failed to start recording: %v", err)
		}
		log.Infof("Recording %s started for the whole fleet", recordingID)
	}

	// 6. 启动监控服务
	go startMetricsServer(cfg, log)

	// 7. 创建车队
	registry := fleet.NewRegistry(cfg, fleet.Deps{
		Logger:  log.GetLogger(),
		Emitter: rec,
		Store:   store,
	})

	result, err := registry.CreateBatch(*prefix, *sessions)
	if err != nil {
		log.Fatalf("Failed to create fleet: %v", err)
	}
	log.Infof("Fleet created: %d/%d sessions", result.Succeeded, result.Attempted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *connect {
		connectResult := registry.ConnectAll(ctx)
		log.Infof("Fleet connected: %d/%d sessions, %d failed",
			connectResult.Succeeded, connectResult.Attempted, connectResult.Failed)
	}

	if *scenario != "" {
		go runScenarios(ctx, registry, *scenario, log)
	}

	log.Info("Fleet simulator started successfully")

	// 8. 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Fleet.ShutdownTimeout)
	defer shutdownCancel()

	disconnectResult := registry.DisconnectAll(shutdownCtx)
	log.Infof("Fleet disconnected: %d/%d sessions", disconnectResult.Succeeded, disconnectResult.Attempted)

	registry.Close()
	log.Info("Fleet registry closed")

	if rec.Recording() {
		if meta, err := rec.StopRecording(shutdownCtx); err != nil {
			log.Errorf("Failed to finalize recording: %v", err)
		} else {
			log.Infof("Recording %s finalized with %d events", meta.ID, meta.EventCount)
		}
	}
	if err := rec.Stop(); err != nil {
		log.Errorf("Error stopping recorder: %v", err)
	}

	if err := producer.Close(); err != nil {
		log.Errorf("Error closing producer: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Errorf("Error closing store: %v", err)
	}

	log.Info("Fleet simulator stopped")
}

// runScenarios 在全部会话上并发执行指定场景
func runScenarios(ctx context.Context, registry *fleet.Registry, name string, log *logger.Logger) {
	sc, err := registry.Scenario(ctx, name)
	if err != nil {
		log.Errorf("Unknown scenario %q: %v", name, err)
		return
	}

	var wg sync.WaitGroup
	for _, s := range registry.List() {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := registry.RunScenario(ctx, s.ChargePointID(), sc); err != nil {
				log.Errorf("Scenario %s failed on %s: %v", name, s.ChargePointID(), err)
			}
		}(s)
	}
	wg.Wait()
	log.Infof("Scenario %s finished on all sessions", name)
}

// startMetricsServer 暴露Prometheus指标与可选的pprof
func startMetricsServer(cfg *config.Config, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	if cfg.Monitoring.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	addr := cfg.GetMetricsAddr()
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}
