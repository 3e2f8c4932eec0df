package cache

import (
	"context"
)

// Store is a key-value store for serialized query results. Keys are
// "<dataset>/<fingerprint>" so a dataset's entries share a prefix.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
	// Clear removes every key with the prefix and returns how many were removed.
	Clear(ctx context.Context, prefix string) (int, error)
}

func datasetPrefix(dataset string) string {
	return dataset + "/"
}
