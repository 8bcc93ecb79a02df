package storage

import (
	"fmt"
	"strings"
)

// Options carries backend specific settings for NewStore.
type Options struct {
	SQLitePath  string
	PostgresDSN string
	S3          S3Config
}

func NewStore(kind string, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(opts.SQLitePath)
	case "postgres":
		return NewPostgresStore(opts.PostgresDSN), nil
	case "s3":
		return NewS3Store(opts.S3), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
