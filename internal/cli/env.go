package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/autowiki/internal/config"
	"github.com/roach88/autowiki/internal/framelog"
	"github.com/roach88/autowiki/internal/replica"
	"github.com/roach88/autowiki/internal/store"
)

// openReplica opens the configured record store and a replica over it.
// Callers close the replica, which flushes and closes the store.
func openReplica(cfg config.Config, logger *slog.Logger) (*replica.Replica, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create data directory", err)
	}

	var rs replica.RecordStore
	switch cfg.Store {
	case config.StoreFramelog:
		l, err := framelog.Open(cfg.StorePath(), framelog.Options{Logger: logger})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open change log", err)
		}
		rs = l
	default:
		s, err := store.Open(cfg.StorePath(), store.WithLogger(logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		rs = s
	}

	r, err := replica.New(rs, replica.Options{
		CacheSize:           cfg.CacheSize,
		CompactionThreshold: cfg.Compaction.Threshold,
		Logger:              logger,
	})
	if err != nil {
		rs.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create replica", err)
	}
	return r, nil
}

// closeReplica closes r, which flushes pending writes first.
func closeReplica(r *replica.Replica, logger *slog.Logger) error {
	if err := r.Close(); err != nil {
		logger.Error("closing store", "error", err)
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
