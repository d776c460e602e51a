package cache

import (
	"context"
	"fmt"

	"github.com/any-hub/media-cache/internal/config"
)

// Open 根据全局配置选择存储驱动，并在 MaxStorageSize > 0 时叠加配额。
func Open(ctx context.Context, cfg config.GlobalConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.StorageDriver {
	case config.DriverFS, "":
		store, err = NewFileStore(cfg.StoragePath, cfg.CacheGeneration)
	case config.DriverMemory:
		store, err = NewMemoryStore(cfg.CacheGeneration)
	case config.DriverSQLite:
		store, err = NewSQLiteStore(cfg.StoragePath, cfg.CacheGeneration)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	quota, err := WithQuota(ctx, store, cfg.MaxStorageSize)
	if err != nil {
		store.Close()
		return nil, err
	}
	return quota, nil
}
