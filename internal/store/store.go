package store

import (
	"context"
	"errors"
)

// Collection keys in the durable KV. Each holds a JSON array snapshot.
const (
	KeyBackInStock  = "back_in_stock_subscriptions"
	KeyPriceAlerts  = "price_alert_subscriptions"
	KeyAbandonCarts = "abandoned_carts"
)

// ErrVersionConflict is returned by KV.Set when another writer updated the key first.
var ErrVersionConflict = errors.New("version conflict")

// KV is the durable key-value substrate collections are persisted to.
//
// Get returns a nil value and version 0 for an absent key. Set writes value
// only if the stored version still equals expectedVersion (0 means "absent")
// and returns the new version.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Set(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)
	Close() error
}
