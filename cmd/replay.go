package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/orderhub/cache"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/projections"
)

var (
	replayProjectionName string
	replayFromSequence   uint64
	replayClear          bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a projection from the event log",
	Long:  `Rebuild a projection's snapshots by re-folding historical events. With --clear the projection's snapshot store is emptied first for a clean rebuild.`,
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayProjectionName, "projection", "", "projection to replay (required)")
	replayCmd.Flags().Uint64Var(&replayFromSequence, "from-sequence", 1, "global sequence to replay from")
	replayCmd.Flags().BoolVar(&replayClear, "clear", false, "clear existing snapshots before replaying")
	_ = replayCmd.MarkFlagRequired("projection")

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	store := eventstore.NewGormStore(db)

	engine, err := newEngine(store, db)
	if err != nil {
		return err
	}

	if replayClear {
		snapshots := projections.NewGormSnapshotStore(db)
		if err := snapshots.Clear(ctx, replayProjectionName); err != nil {
			return err
		}
		log.Info().Str("projection", replayProjectionName).Msg("Snapshots cleared")
	}

	replayed, err := engine.Replay(ctx, replayProjectionName, replayFromSequence)
	if err != nil {
		return err
	}

	// A running server may still be caching snapshots this replay rewrote.
	if snapshotCache, err := cache.NewSnapshotCache(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Skipping snapshot cache invalidation")
	} else {
		snapshots := projections.NewGormSnapshotStore(db)
		rows, err := snapshots.List(ctx, replayProjectionName)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list snapshots for cache invalidation")
		}
		for _, row := range rows {
			if err := snapshotCache.Invalidate(ctx, replayProjectionName, row.AggregateID); err != nil {
				log.Warn().Err(err).
					Str("aggregate_id", row.AggregateID).
					Msg("Failed to invalidate cached snapshot")
			}
		}
	}

	log.Info().
		Str("projection", replayProjectionName).
		Uint64("from_sequence", replayFromSequence).
		Int("events_replayed", replayed).
		Msg("Replay finished")

	return nil
}
