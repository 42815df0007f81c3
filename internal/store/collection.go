package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"reengage-service/internal/util"

	"go.uber.org/zap"
)

// collection is an in-memory copy of one KV key. Every mutation rewrites the
// whole snapshot; the in-memory items are swapped only after the write succeeds.
type collection[T any] struct {
	kv      KV
	key     string
	version int64
	items   []T
	logger  *zap.Logger
}

func newCollection[T any](kv KV, key string) *collection[T] {
	return &collection[T]{kv: kv, key: key, logger: util.GetLogger()}
}

func (c *collection[T]) load(ctx context.Context) error {
	raw, version, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", c.key, err)
	}
	var items []T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("failed to decode %s: %w", c.key, err)
		}
	}
	c.items = items
	c.version = version
	return nil
}

// snapshot returns a copy of the current items that callers may modify freely.
func (c *collection[T]) snapshot() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collection[T]) commit(ctx context.Context, next []T) error {
	if next == nil {
		next = []T{}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.key, err)
	}

	version, err := c.kv.Set(ctx, c.key, raw, c.version)
	if err != nil {
		reason := "write_error"
		if errors.Is(err, ErrVersionConflict) {
			reason = "version_conflict"
			// another writer got there first; pick up its state so a retry applies on top of it
			if lerr := c.load(ctx); lerr != nil {
				c.logger.Error("Failed to reload collection after conflict",
					zap.String("collection", c.key),
					zap.Error(lerr))
			}
		}
		util.StorageFailuresTotal.WithLabelValues(c.key, reason).Inc()
		c.logger.Error("Failed to persist collection",
			zap.String("collection", c.key),
			zap.Error(err))
		return fmt.Errorf("failed to persist %s: %w", c.key, err)
	}

	c.items = next
	c.version = version
	return nil
}
