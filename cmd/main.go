package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/api/graph"
	"github.com/lvdashuaibi/farepass/internal/codec"
	intkafka "github.com/lvdashuaibi/farepass/internal/kafka"
	"github.com/lvdashuaibi/farepass/internal/lock"
	"github.com/lvdashuaibi/farepass/internal/logging"
	"github.com/lvdashuaibi/farepass/internal/qr"
	"github.com/lvdashuaibi/farepass/internal/repository"
	"github.com/lvdashuaibi/farepass/internal/ticket"
)

const startupTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "config/config.yaml", "path to the config file")
	instanceID = flag.Int("instance", 1, "instance number, offsets the HTTP port when running several locally")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("farepass stopped with error", zap.Error(err))
	}
	logger.Info("farepass stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// 密钥缺失或格式错误时在签发任何票据之前退出
	tokenCodec, err := codec.NewFromHex(cfg.Codec.Key)
	if err != nil {
		logger.Fatal("invalid codec key", zap.Error(err))
	}

	redisClient, err := repository.NewRedisClient(startCtx, cfg.Redis)
	if err != nil {
		return err
	}
	store, err := repository.NewTokenStore(startCtx, redisClient, cfg.Redis.KeyPrefix, cfg.Redis.Timeout)
	if err != nil {
		redisClient.Close()
		return err
	}
	defer store.Close()
	if err := store.CheckClock(startCtx, time.Now(), cfg.Redis.ClockSkew); err != nil {
		return err
	}
	logger.Info("token store ready", zap.String("addr", cfg.Redis.DataAddress))

	ledger, err := repository.NewLedgerRepository(startCtx, cfg.MySQL)
	if err != nil {
		return err
	}
	defer ledger.Close()
	if err := ledger.EnsureSchema(startCtx); err != nil {
		return err
	}
	logger.Info("ledger ready")

	sweepLock, err := lock.New(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer sweepLock.Close()
	logger.Info("sweep lock ready", zap.String("backend", cfg.Lock.Backend))

	producer := intkafka.NewProducer(cfg.Kafka, logger)
	defer producer.Close()

	clock := clockwork.NewRealClock()
	svc := ticket.NewTicketService(ledger, store, tokenCodec, qr.NewRenderer(), producer, cfg.Ticket, clock, logger)
	sweeper := ticket.NewSweeper(ledger, store, producer, sweepLock, cfg.Ticket, cfg.Lock.LeaseTTL, clock, logger)

	sched, err := sweeper.Schedule(ctx, cfg.Ticket.SweepInterval)
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("stop sweep scheduler", zap.Error(err))
		}
	}()
	logger.Info("expiration sweep scheduled", zap.Duration("interval", cfg.Ticket.SweepInterval))

	consumer := intkafka.NewConsumer(cfg.Kafka, logger)
	consumer.Start(ctx, svc.SettlePayment)
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn("stop payment consumer", zap.Error(err))
		}
	}()

	cfg.Server.Port += *instanceID - 1
	server := graph.NewServer(svc, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("instance", *instanceID))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("farepass started", zap.Int("instance", *instanceID), zap.Int("port", cfg.Server.Port), zap.Int("pid", os.Getpid()))
	return g.Wait()
}
