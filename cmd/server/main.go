package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/api"
	"github.com/emylund/fieldstation/internal/cache"
	"github.com/emylund/fieldstation/internal/ingest"
	"github.com/emylund/fieldstation/internal/query"
	"github.com/emylund/fieldstation/internal/queue"
	"github.com/emylund/fieldstation/internal/store"
	"github.com/emylund/fieldstation/pkg/config"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	// Connect to database
	db, err := store.Connect(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()
	log.Info("connected to database")

	if err := db.RunMigrations(cfg.Storage.MigrationsDir); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	// Optional collaborators: events and the latest cache degrade to no-ops
	// when their backends are disabled.
	var events queue.Publisher = queue.Noop{}
	if cfg.Kafka.Enabled {
		kp := queue.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		events = kp
		log.WithField("topic", cfg.Kafka.Topic).Info("kafka publisher initialized")
	}

	var latest cache.LatestCache = cache.Noop{}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		latest = cache.NewRedis(client, cfg.Redis.LatestTTL)
		log.WithField("addr", cfg.Redis.Addr).Info("redis cache initialized")
	}

	svc := ingest.NewService(db, events, latest, cfg.Storage.AudioDir, log)
	engine := query.NewEngine(db, latest, log)

	router := api.NewRouter(api.NewHandler(svc, engine, log), cfg.HTTP.AllowedOrigins)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
}
