package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/metrics"
	"github.com/lvdashuaibi/farepass/internal/model"
)

// MessageWriter 生产者用到的 *kafka.Writer 方法
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer Kafka生产者, 发布票据生命周期事件
type Producer struct {
	writer MessageWriter
	logger *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	// key为票据ID, 同一票据的事件落在同一分区保持有序
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.EventsTopic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, logger)
}

func NewProducerWithWriter(w MessageWriter, logger *zap.Logger) *Producer {
	return &Producer{writer: w, logger: logger}
}

// Publish 发送事件
func (p *Producer) Publish(ctx context.Context, e model.Event) error {
	data, err := model.MarshalEvent(e)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublished.WithLabelValues(e.Kind(), "error").Inc()
		return fmt.Errorf("publish %s for ticket %s: %w", e.Kind(), e.Key(), err)
	}

	metrics.EventsPublished.WithLabelValues(e.Kind(), "ok").Inc()
	p.logger.Debug("event published", zap.String("kind", e.Kind()), zap.String("ticket_id", e.Key()))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
