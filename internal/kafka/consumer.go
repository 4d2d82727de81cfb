package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/metrics"
	"github.com/lvdashuaibi/farepass/internal/model"
)

// MessageReader 消费者用到的 *kafka.Reader 方法
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentHandler 处理一条支付完成事件, 返回错误时消息会被重试
type PaymentHandler func(ctx context.Context, e model.PaymentSettled) error

// Consumer Kafka消费者, 每个worker一个reader, 同属一个消费组
type Consumer struct {
	readers    []MessageReader
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) *Consumer {
	numWorkers := cfg.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}

	readers := make([]MessageReader, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.PaymentsTopic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		}))
	}
	logger.Info("payment consumer configured",
		zap.String("topic", cfg.PaymentsTopic), zap.String("group", cfg.GroupID), zap.Int("workers", numWorkers))

	return NewConsumerWithReaders(readers, logger, 5, time.Second)
}

func NewConsumerWithReaders(readers []MessageReader, logger *zap.Logger, maxRetries int, backoff time.Duration) *Consumer {
	return &Consumer{
		readers:    readers,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Start 为每个reader启动一个协程
func (c *Consumer) Start(ctx context.Context, handler PaymentHandler) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r MessageReader) {
			defer c.wg.Done()
			c.consume(ctx, workerID, r, handler)
		}(i, reader)
	}
}

func (c *Consumer) consume(ctx context.Context, workerID int, reader MessageReader, handler PaymentHandler) {
	log := c.logger.With(zap.Int("worker", workerID))
	log.Info("payment consumer worker started")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("payment consumer worker stopped")
				return
			}
			log.Error("fetch message failed", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return
			}
			continue
		}

		result := c.process(ctx, log, msg, handler)
		metrics.PaymentsConsumed.WithLabelValues(result).Inc()
		if ctx.Err() != nil && result == "error" {
			// 未提交, 重启后重新投递
			return
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message failed", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

// process 处理单条消息, 返回监控标签
func (c *Consumer) process(ctx context.Context, log *zap.Logger, msg kafka.Message, handler PaymentHandler) string {
	e, err := model.UnmarshalEvent(msg.Value)
	if err != nil {
		log.Warn("undecodable payment message", zap.Error(err), zap.Int64("offset", msg.Offset))
		return "skipped"
	}
	settled, ok := e.(model.PaymentSettled)
	if !ok {
		return "skipped"
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && !sleep(ctx, c.backoff*time.Duration(1<<(attempt-1))) {
			return "error"
		}

		err = handler(ctx, settled)
		if err == nil {
			return "ok"
		}
		log.Warn("payment handler failed",
			zap.Int64("ticket_id", settled.TicketID), zap.Int("attempt", attempt), zap.Error(err))
	}

	log.Error("dropping payment after retries",
		zap.Int64("ticket_id", settled.TicketID), zap.Int("retries", c.maxRetries), zap.Error(err))
	return "dropped"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop 停止所有worker并关闭reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
