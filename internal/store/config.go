package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-train/internal/platform/env"
	platformstore "github.com/animus-labs/animus-train/internal/platform/objectstore"
	"github.com/animus-labs/animus-train/internal/storage/objectstore"
)

const (
	KindLocal = "local"
	KindMinIO = "minio"
)

type Config struct {
	Kind     string
	LocalDir string
	MinIO    platformstore.Config
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:     strings.ToLower(env.String("ANIMUS_TRAIN_STORE_KIND", KindLocal)),
		LocalDir: env.String("ANIMUS_TRAIN_STORE_DIR", "./animus-train-data"),
	}
	if cfg.Kind == KindMinIO {
		minioCfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			return Config{}, fmt.Errorf("minio config: %w", err)
		}
		cfg.MinIO = minioCfg
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindLocal:
		if strings.TrimSpace(c.LocalDir) == "" {
			return fmt.Errorf("ANIMUS_TRAIN_STORE_DIR is required for the local store")
		}
	case KindMinIO:
		return c.MinIO.Validate()
	default:
		return fmt.Errorf("unknown store kind %q", c.Kind)
	}
	return nil
}

// Open builds the store described by cfg, creating the bucket if needed.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindLocal {
		return NewLocalStore(cfg.LocalDir)
	}
	client, err := platformstore.NewMinIOClient(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	if err := platformstore.EnsureBucket(ctx, client, cfg.MinIO); err != nil {
		return nil, err
	}
	objects, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	return NewObjectStore(objects, cfg.MinIO.Bucket, cfg.MinIO.Prefix)
}

// FromEnv opens the store configured by ANIMUS_TRAIN_STORE_* variables.
func FromEnv(ctx context.Context) (Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg)
}
