package session

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
)

// ProvideStores opens the metadata and index stores for the configured driver.
// Both stores share one pool; the returned cleanup closes it.
func ProvideStores(cfg *config.Config, log *logger.Logger) (MetadataStore, IndexStore, func() error, error) {
	var pool *db.Pool

	switch driver := cfg.Database.Driver; driver {
	case "", "sqlite3":
		path := cfg.Database.SQLitePath(cfg.Dirs.DataDir)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		var err error
		pool, err = db.OpenSQLitePool(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Session stores initialized",
			zap.String("db_driver", "sqlite3"),
			zap.String("db_path", path))
	case "pgx":
		var err error
		pool, err = db.OpenPostgresPool(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		log.Info("Session stores initialized", zap.String("db_driver", "pgx"))
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	meta, err := NewSQLMetadataStore(pool, false)
	if err != nil {
		_ = pool.Close()
		return nil, nil, nil, err
	}
	idx, err := NewSQLIndexStore(pool, false)
	if err != nil {
		_ = pool.Close()
		return nil, nil, nil, err
	}
	return meta, idx, pool.Close, nil
}
