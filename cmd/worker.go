package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/orderhub/eventstore"
	"example.com/orderhub/projections"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the projection catch-up worker",
	Long:  `Start the background worker that periodically replays projections over events appended by other replicas sharing the database`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	store := eventstore.NewGormStore(db)

	engine, err := newEngine(store, db)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Dur("interval", cfg.Worker.CatchUpInterval).Msg("Starting projection catch-up job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// The checkpoint only bounds how much of the log each tick scans.
		// Events a serving replica already folded are recognized by the
		// snapshot's applied version and skipped, so rescanning a range
		// never folds anything twice.
		var checkpoint uint64 = 1

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.CatchUpInterval),
			gocron.NewTask(func() {
				checkpoint = catchUp(ctx, store, engine, checkpoint)
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// catchUp replays every projection from the checkpoint and returns the next
// checkpoint. On any failure the old checkpoint is kept so the next tick
// retries the same range.
func catchUp(ctx context.Context, store eventstore.Store, engine *projections.Engine, checkpoint uint64) uint64 {
	stats, err := store.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read log stats for catch-up")
		return checkpoint
	}

	if stats.LatestSequence < checkpoint {
		return checkpoint
	}

	for _, p := range engine.Projections() {
		replayed, err := engine.Replay(ctx, p.Name, checkpoint)
		if err != nil {
			log.Error().Err(err).Str("projection", p.Name).Msg("Projection catch-up failed")
			return checkpoint
		}
		if replayed > 0 {
			log.Info().Str("projection", p.Name).Int("events", replayed).Msg("Projection caught up")
		}
	}

	return stats.LatestSequence + 1
}
