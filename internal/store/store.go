// Package store provides the flat-namespace local cache used by every
// component: participant identity, session records, epsilon state,
// notifications, and sync bookkeeping all live here as JSON values under
// string keys. The local copy is always written synchronously and stays
// authoritative when the remote mirror is unavailable.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Store is the key-value persistence interface. Get returns (nil, nil) for
// an absent key. Values are opaque JSON.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	Migrate(ctx context.Context) error
	Close() error
}

// GetJSON reads key and unmarshals it into v. Returns false when the key is
// absent. A corrupt stored value is logged and treated as absent rather than
// propagated: local-storage corruption must never block the participant flow.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		zap.L().Warn("discarding corrupt local record",
			zap.String("key", key),
			zap.Error(err),
		)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", key)
	}
	return s.Set(ctx, key, raw)
}
