package message

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/charging-platform/fleet-simulator/internal/config"
	"github.com/charging-platform/fleet-simulator/internal/domain/events"
)

// KafkaProducer 异步Kafka事件生产者。以充电桩ID作为分区Key, 保证同一
// 会话的事件有序落入同一分区。
type KafkaProducer struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaProducer 创建KafkaProducer
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal     // 只等待本地确认
	saramaCfg.Producer.Compression = sarama.CompressionSnappy // 压缩
	saramaCfg.Producer.Return.Successes = cfg.Producer.ReturnSuccess
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Retry.Max = cfg.Producer.RetryMax

	flushFrequency := cfg.Producer.FlushFrequency
	if flushFrequency <= 0 {
		flushFrequency = 500 * time.Millisecond
	}
	saramaCfg.Producer.Flush.Frequency = flushFrequency

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}

	return newFromAsyncProducer(producer, cfg.EventsTopic), nil
}

// newFromAsyncProducer 由现成的AsyncProducer组装, 便于注入测试替身
func newFromAsyncProducer(producer sarama.AsyncProducer, topic string) *KafkaProducer {
	kp := &KafkaProducer{
		producer: producer,
		topic:    topic,
	}

	go kp.handleSuccesses()
	go kp.handleErrors()

	return kp
}

// PublishEvent 异步发布事件
func (p *KafkaProducer) PublishEvent(event events.Event) error {
	eventData, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetChargePointID()),
		Value: sarama.ByteEncoder(eventData),
	}

	p.producer.Input() <- msg
	return nil
}

// Close 关闭生产者, 等待在途消息送达
func (p *KafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *KafkaProducer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("Kafka message sent successfully")
	}
}

func (p *KafkaProducer) handleErrors() {
	for err := range p.producer.Errors() {
		log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Str("key", string(err.Msg.Key.(sarama.StringEncoder))).
			Msg("Failed to send Kafka message")
	}
}
