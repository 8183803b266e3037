package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/orderhub/api"
	"example.com/orderhub/breaker"
	"example.com/orderhub/cache"
	"example.com/orderhub/config"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/messaging"
	"example.com/orderhub/metrics"
	"example.com/orderhub/search"
	"example.com/orderhub/service"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	log.Info().Msg("Starting server")

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	store := eventstore.NewGormStore(db)

	engine, err := newEngine(store, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build projection engine")
	}

	snapshotCache, err := cache.NewSnapshotCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		snapshotCache, _ = cache.NewSnapshotCache(config.RedisConfig{Enabled: false})
	}

	// One breaker per outbound dependency.
	settings := breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}
	publishBreaker := breaker.New("servicebus", settings)
	indexBreaker := breaker.New("elasticsearch", settings)
	breakers := map[string]*breaker.CircuitBreaker{
		"servicebus":    publishBreaker,
		"elasticsearch": indexBreaker,
	}

	var publisher service.EventPublisher
	if cfg.Azure.Enabled {
		p, err := messaging.NewPublisher(cfg.Azure)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Service Bus publisher")
		}
		defer func() {
			if err := p.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to close Service Bus publisher")
			}
		}()
		publisher = p
	}

	var indexer service.EventIndexer
	if cfg.Elastic.Enabled {
		idx, err := search.NewElasticIndexer(cfg.Elastic)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Elasticsearch indexer")
		}
		indexer = idx
	}

	recorder := service.NewRecorder(store, engine, publisher, indexer, publishBreaker, indexBreaker)
	collector := metrics.New()

	server := api.NewServer(cfg, store, engine, recorder, snapshotCache, breakers, collector)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	log.Info().Str("address", cfg.ServerAddress).Msg("HTTP server listening")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
