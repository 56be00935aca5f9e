package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-gateway/internal/client"
	"session-gateway/internal/config"
	"session-gateway/internal/events"
	"session-gateway/internal/handler"
	"session-gateway/internal/hashing"
	"session-gateway/internal/session"
	"session-gateway/internal/store"
	"session-gateway/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}

	redisClient, err := client.NewRedisClient(cfg, logger)
	if err != nil {
		util.Fatal("Failed to initialize Redis", util.ErrorField(err))
	}
	defer redisClient.Close()

	var audit events.Publisher = events.NewLogPublisher(logger)
	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg, logger)
		if err != nil {
			util.Warn("Kafka unavailable, auditing to logs", util.ErrorField(err))
		} else {
			audit = events.NewKafkaPublisher(producer, logger)
		}
	}
	defer audit.Close()

	registry := session.NewRegistry(session.Deps{
		Identity:       client.NewIdentityClient(cfg, logger),
		WhatsApp:       client.NewWhatsAppClient(cfg, logger),
		Sessions:       store.NewSessionStore(redisClient, logger),
		Hasher:         hashing.NewHasher(hashing.DefaultParams),
		Audit:          audit,
		Logger:         logger,
		ResendCooldown: cfg.Session.ResendCooldown,
	})

	warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.Warmup(warmupCtx); err != nil {
		util.Warn("Session warmup incomplete", util.ErrorField(err))
	}
	warmupCancel()

	authHandler := handler.NewAuthHandler(registry, logger)
	router := handler.NewRouter(authHandler, registry, cfg.Session.LoginRoute, logger)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Session gateway started",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("kafka_audit", cfg.Kafka.Enabled),
	)

	waitForShutdown(server)
}

func waitForShutdown(server *http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
}
