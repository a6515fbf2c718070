package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sumit189/letItGoTasks/api/controllers"
	"github.com/Sumit189/letItGoTasks/api/routes"
	"github.com/Sumit189/letItGoTasks/common/config"
	"github.com/Sumit189/letItGoTasks/common/database"
	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	common_services "github.com/Sumit189/letItGoTasks/common/services"
	"github.com/Sumit189/letItGoTasks/common/utils"
	"github.com/Sumit189/letItGoTasks/producer"
	"github.com/Sumit189/letItGoTasks/services"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

func main() {
	common_services.LiftENV()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := utils.LoggerInit(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}
	log.Info().Str("instance_id", cfg.InstanceID).Msg("Starting letItGo tasks")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	store, err := repository.RedisConnect(ctx, repository.RedisOptions{
		Address:        cfg.RedisAddress,
		Password:       cfg.RedisPassword,
		BaseDB:         cfg.RedisDB,
		KeyspaceEvents: cfg.RedisKeyspaceEvents,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer store.Close()

	cipher, err := utils.NewAES(cfg.PayloadEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid payload encryption key")
	}

	var options []services.EngineOption
	var archives *repository.ArchiveRepository
	if cfg.MongoURI != "" {
		if err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
		}
		defer database.Disconnect(context.Background())
		if err := models.CreateIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to create archive indexes")
		}
		archives = repository.InitializeArchiveRepository()
		options = append(options, services.WithArchiver(archives))
	}

	var timeline *producer.TimelineProducer
	if cfg.KafkaBroker != "" {
		timeline, err = producer.NewTimelineProducer(ctx, producer.Options{
			Broker: cfg.KafkaBroker,
			Topic:  cfg.KafkaTopic,
			Auth:   cfg.KafkaAuth,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialise Kafka producer")
		}
		options = append(options, services.WithPublisher(timeline))
	}

	engine := services.NewEngine(
		store,
		services.NewHTTPDispatcher(&http.Client{}, cfg.UserAgent),
		services.NewTaskCodec(cipher),
		services.EngineOptions{
			HeaderPrefix:    cfg.HeaderPrefix,
			Retention:       cfg.Retention(),
			InstanceID:      cfg.InstanceID,
			ClaimTTL:        cfg.ClaimTTL,
			RecoveryEnabled: cfg.RecoveryEnabled,
		},
		options...,
	)
	engine.Start(ctx)

	janitor, err := services.StartJanitor(engine, cfg.JanitorSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start janitor")
	}

	// Router
	controller := controllers.NewController(engine, services.NewTenantService(store, cfg.QueueLimit), cfg.HeaderPrefix)
	if archives != nil {
		controller.WithArchives(archives)
	}
	router := mux.NewRouter()
	routes.ApiRoutes(router, controller)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Server running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	// Handle shutdown signals
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("HTTP server stopped gracefully")

	janitor.Stop()
	cancel()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine did not stop in time")
	}
	if timeline != nil {
		if err := timeline.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Kafka producer")
		}
	}
	log.Info().Msg("All services stopped gracefully")
}
