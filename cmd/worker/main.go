package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"haven.app/ash/common/id"
	"haven.app/ash/common/llm"
	"haven.app/ash/common/logger"
	"haven.app/ash/common/otel"
	"haven.app/ash/core/config"
	"haven.app/ash/core/db"
	"haven.app/ash/internal/audit"
	"haven.app/ash/internal/classifier"
	"haven.app/ash/internal/dispatch"
	"haven.app/ash/internal/escalate"
	"haven.app/ash/internal/followup"
	"haven.app/ash/internal/guard"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/queue"
	"haven.app/ash/internal/service"
	"haven.app/ash/internal/session"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
	"haven.app/ash/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "ash worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Pipeline.RedisGroup,
		"consumer_name", cfg.Pipeline.RedisConsumer)

	// Different node ID than the server so snowflakes never collide.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	stores := store.New(redisClient, cfg.Pipeline.KeyPrefix)
	recorder := metrics.NewStreamRecorder(redisClient, cfg.Pipeline.MetricsStream)
	sender := transport.NewGatewayClient(cfg.Gateway)
	cooldown := guard.NewCooldown(stores.Cooldowns(), cfg.Alerting.Cooldown)

	dispatcher, err := dispatch.New(stores, cooldown, sender, recorder, cfg.Alerting, cfg.Escalation)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	var chat llm.ChatClient
	if cfg.ReplyLLM.Enabled() {
		chat, err = llm.NewChatClient(llm.Config{
			Provider: cfg.ReplyLLM.Provider,
			APIKey:   cfg.ReplyLLM.APIKey,
			BaseURL:  cfg.ReplyLLM.BaseURL,
			Model:    cfg.ReplyLLM.Model,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to build reply llm client", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "reply llm configured", "provider", cfg.ReplyLLM.Provider, "model", cfg.ReplyLLM.Model)
	} else {
		slog.WarnContext(ctx, "reply llm not configured, sessions will use fallback replies")
	}

	engine := session.NewEngine(stores, sender, chat, recorder, cfg.Session, cfg.Alerting.HighChannelID)
	engine.SetArchiver(audit.New(database))

	escalator, err := escalate.New(stores, dispatcher, engine, recorder, cfg.Escalation)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build escalation scheduler", "error", err)
		os.Exit(1)
	}

	followups, err := followup.New(stores, sender, recorder, cfg.Followup)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build followup scheduler", "error", err)
		os.Exit(1)
	}
	engine.AddEndListener(followups)

	gateway := classifier.NewGateway(classifier.NewHTTPClient(cfg.Classifier), cfg.Classifier)

	ingest := service.NewIngestService(stores, gateway, dispatcher, engine, cfg.Classifier.HistoryWindow)
	interactions := service.NewInteractionService(dispatcher, escalator)
	processor := worker.NewProcessor(ingest, interactions)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Pipeline.RedisStream,
		Group:        cfg.Pipeline.RedisGroup,
		Consumer:     cfg.Pipeline.RedisConsumer,
		DLQStream:    cfg.Pipeline.RedisDLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	w := worker.New(consumer, processor, worker.Config{
		MaxAttempts: 3,
	})

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:    cfg.Pipeline.RedisStream,
		Group:     cfg.Pipeline.RedisGroup,
		Consumer:  cfg.Pipeline.RedisConsumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, w.ProcessMessage)

	poller := worker.NewDeadlinePoller(stores.Deadlines(), 5*time.Second, 100)
	poller.Register(store.KindAutoInitiate, escalator.HandleDue)
	poller.Register(store.KindSessionIdle, engine.HandleIdleDue)
	poller.Register(store.KindSessionMax, engine.HandleMaxDue)
	poller.Register(store.KindFollowup, followups.HandleDue)

	probeCtx, cancelProbe := context.WithCancel(ctx)
	go gateway.ProbeLoop(probeCtx, cfg.Classifier.BreakerCooldown)

	errCh := make(chan error, 3)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()
	go func() {
		poller.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cancelProbe()
	reclaimer.Stop()
	poller.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 █████╗ ███████╗██╗  ██╗    ██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
██╔══██╗██╔════╝██║  ██║    ██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
███████║███████╗███████║    ██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██╔══██║╚════██║██╔══██║    ██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
██║  ██║███████║██║  ██║    ╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝     ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
