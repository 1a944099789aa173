package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/claimbot/claimbot/pkg/archive"
	"github.com/claimbot/claimbot/pkg/claim"
	"github.com/claimbot/claimbot/pkg/common/config"
	"github.com/claimbot/claimbot/pkg/common/database"
	"github.com/claimbot/claimbot/pkg/common/kafka"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/claimbot/claimbot/pkg/gateway/govtalk"
	"github.com/claimbot/claimbot/pkg/ledger"
	"github.com/claimbot/claimbot/pkg/normalizer"
	"github.com/claimbot/claimbot/pkg/queue"
	"github.com/claimbot/claimbot/pkg/reconcile"
	"github.com/claimbot/claimbot/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const receiveBlock = 5 * time.Second

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Claim Gift Aid for donations arriving on the inbound queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd.Context())
		},
	}
}

func runConsume(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ArchiveBucket != "" {
		sink, err := archive.NewS3Sink(ctx, cfg.ArchiveRegion, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return err
		}
		hook := logger.NewArchiveHook(sink, 0)
		logger.Log.AddHook(hook)
		defer hook.Close()
	}

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = database.OpenRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	source, closeSource, err := openSource(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeSource()

	publisher, closePublisher := openPublisher(cfg, redisClient)
	defer closePublisher()

	var opts []reconcile.Option
	if cfg.ClaimedRegistryTTL > 0 {
		opts = append(opts, reconcile.WithRegistry(ledger.NewRegistry(redisClient, cfg.ClaimedRegistryTTL)))
	}
	var db *gorm.DB
	if cfg.LedgerEnabled {
		db, err = database.OpenPostgres(cfg, &ledger.Attempt{})
		if err != nil {
			return err
		}
		defer database.ClosePostgres(db)
		opts = append(opts, reconcile.WithLedger(ledger.NewRepository(db)))
	}

	engine := claim.NewEngine(govtalk.NewClient(cfg, nil), cfg.PollTimeout)
	reconciler := reconcile.New(engine, normalizer.NewTransformer(), publisher, opts...)
	runner := worker.NewRunner(source, reconciler, cfg.MaxBatchSize, cfg.FlushAfter)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:     newOpsRouter(readinessChecks(redisClient, db)),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.ServerPort,
			"inbound": cfg.InboundTransport,
			"results": cfg.ResultTransport,
		}).Info("ClaimBot consumer started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.WithError(err).Error("Ops server stopped")
		}
	}()

	runErr := runner.Run(ctx)

	logger.Log.Info("Shutting down ClaimBot consumer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("ClaimBot consumer stopped")
	return runErr
}

func needsRedis(cfg *config.Config) bool {
	return cfg.InboundTransport == config.TransportRedis ||
		cfg.ResultTransport == config.TransportRedis ||
		cfg.ClaimedRegistryTTL > 0
}

func openSource(ctx context.Context, cfg *config.Config, client *redis.Client) (worker.Source, func(), error) {
	if cfg.InboundTransport == config.TransportKafka {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.InboundChannel, cfg.KafkaGroupID, receiveBlock, cfg.MaxRedeliveries)
		return consumer, func() { _ = consumer.Close() }, nil
	}

	source := queue.NewStreamSource(client, queue.StreamConfig{
		Stream:          cfg.InboundChannel,
		Group:           cfg.InboundGroup,
		Consumer:        cfg.InboundConsumer,
		Block:           receiveBlock,
		MaxRedeliveries: cfg.MaxRedeliveries,
	})
	if err := source.Setup(ctx); err != nil {
		return nil, nil, err
	}
	return source, func() {}, nil
}

func openPublisher(cfg *config.Config, client *redis.Client) (reconcile.Publisher, func()) {
	if cfg.ResultTransport == config.TransportRedis {
		return queue.NewStreamPublisher(client, cfg.ResultChannel), func() {}
	}
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.ResultChannel, "claimbot")
	return producer, func() { _ = producer.Close() }
}
