package config

import (
	"github.com/Netflix/go-env"
	"github.com/pkg/errors"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	StorageBackend    string `env:"STORAGE_BACKEND,default=sqlite"`
	SQLiteDirPath     string `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl     string `env:"DATABASE_URL"`
	SnapshotBucketURL string `env:"SNAPSHOT_BUCKET_URL"`
	SnapshotPrefix    string `env:"SNAPSHOT_PREFIX,default=snapshots"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, errors.Wrap(err, "failed to read environment")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.PgDatabaseUrl == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	return nil
}
