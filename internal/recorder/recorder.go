package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/message"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	"github.com/charging-platform/fleet-simulator/internal/storage"
)

// Config 录制管线配置
type Config struct {
	// BufferSize 事件通道缓冲区大小
	BufferSize int `json:"buffer_size"`
	// Workers 发布协程数量
	Workers int `json:"workers"`
}

// DefaultConfig 默认录制管线配置
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 1000,
		Workers:    4,
	}
}

// Stats 管线统计信息
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Recorder 异步事件管线: 会话通过Emit投递事件, 后台worker发布到
// 消息队列。Emit永不阻塞, 通道满时丢弃并计数。可选地对单个充电桩
// 开启录制, 停止时把元数据写入存储, 帧本体由Kafka下游落盘。
type Recorder struct {
	config   *Config
	producer message.EventProducer
	store    storage.Store
	logger   zerolog.Logger
	clk      clock.Clock

	eventChan chan events.Event

	published int64
	dropped   int64

	// mu 保护录制状态
	mu         sync.RWMutex
	active     bool
	meta       storage.RecordingMeta
	eventCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex
	started bool
}

// New 创建录制管线。producer与store为nil时取空实现。
func New(config *Config, producer message.EventProducer, store storage.Store, logger zerolog.Logger) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if producer == nil {
		producer = message.NewNoopProducer()
	}
	if store == nil {
		store = storage.NewNoopStore()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Recorder{
		config:    config,
		producer:  producer,
		store:     store,
		logger:    logger.With().Str("component", "recorder").Logger(),
		clk:       clock.New(),
		eventChan: make(chan events.Event, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动后台worker
func (r *Recorder) Start() error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.started {
		return fmt.Errorf("recorder already started")
	}

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.started = true

	r.logger.Info().
		Int("workers", r.config.Workers).
		Int("buffer_size", r.config.BufferSize).
		Msg("recorder started")
	return nil
}

// Stop 停止管线。通道内未发布的事件被放弃。
func (r *Recorder) Stop() error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if !r.started {
		return nil
	}

	r.cancel()
	r.wg.Wait()
	r.started = false

	r.logger.Info().
		Int64("published", atomic.LoadInt64(&r.published)).
		Int64("dropped", atomic.LoadInt64(&r.dropped)).
		Msg("recorder stopped")
	return nil
}

// Emit 非阻塞投递事件, 通道满时丢弃
func (r *Recorder) Emit(event events.Event) {
	select {
	case r.eventChan <- event:
	default:
		atomic.AddInt64(&r.dropped, 1)
		metrics.RecorderDroppedEvents.Inc()
		r.logger.Debug().
			Str("event_type", string(event.GetType())).
			Str("charge_point_id", event.GetChargePointID()).
			Msg("event channel full, dropping event")
	}
}

// RecordingOptions 一次录制的描述信息。ChargePointID为空时录制
// 全部充电桩。
type RecordingOptions struct {
	Name          string
	Description   string
	Tags          []string
	Baseline      string
	ChargePointID string
}

// StartRecording 开启一次录制并返回录制ID。已有录制在进行时返回错误。
func (r *Recorder) StartRecording(opts RecordingOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return "", fmt.Errorf("recording %s already in progress", r.meta.ID)
	}

	r.meta = storage.RecordingMeta{
		ID:            uuid.New().String(),
		Name:          opts.Name,
		Description:   opts.Description,
		Tags:          opts.Tags,
		Baseline:      opts.Baseline,
		ChargePointID: opts.ChargePointID,
		StartedAt:     r.clk.Now().UTC(),
	}
	r.eventCount = 0
	r.active = true

	r.logger.Info().
		Str("recording_id", r.meta.ID).
		Str("name", opts.Name).
		Str("charge_point_id", opts.ChargePointID).
		Msg("recording started")
	return r.meta.ID, nil
}

// StopRecording 结束当前录制, 持久化元数据并返回
func (r *Recorder) StopRecording(ctx context.Context) (storage.RecordingMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return storage.RecordingMeta{}, fmt.Errorf("no recording in progress")
	}

	r.meta.StoppedAt = r.clk.Now().UTC()
	r.meta.EventCount = int(r.eventCount)
	r.meta.DroppedEvents = int(atomic.LoadInt64(&r.dropped))
	r.active = false

	if err := r.store.SaveRecording(ctx, r.meta); err != nil {
		return r.meta, fmt.Errorf("failed to save recording meta: %w", err)
	}

	r.logger.Info().
		Str("recording_id", r.meta.ID).
		Int("event_count", r.meta.EventCount).
		Msg("recording stopped")
	return r.meta, nil
}

// Recording 当前是否有录制在进行
func (r *Recorder) Recording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// EventCount 当前录制已命中的事件数
func (r *Recorder) EventCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eventCount
}

// Stats 管线统计快照
func (r *Recorder) Stats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&r.published),
		Dropped:   atomic.LoadInt64(&r.dropped),
	}
}

// worker 消费事件通道并发布
func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case event := <-r.eventChan:
			r.publish(event)
		}
	}
}

func (r *Recorder) publish(event events.Event) {
	if err := r.producer.PublishEvent(event); err != nil {
		r.logger.Error().
			Err(err).
			Str("event_type", string(event.GetType())).
			Str("charge_point_id", event.GetChargePointID()).
			Msg("failed to publish event")
		return
	}

	atomic.AddInt64(&r.published, 1)
	metrics.EventsPublished.WithLabelValues(string(event.GetType())).Inc()
	r.noteRecorded(event)
}

// noteRecorded 命中当前录制范围时累加事件计数
func (r *Recorder) noteRecorded(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}
	if r.meta.ChargePointID != "" && r.meta.ChargePointID != event.GetChargePointID() {
		return
	}
	r.eventCount++
}
