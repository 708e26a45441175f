// Package kv is the ephemeral key-value store used for driver presence and
// accept locks. Every key carries a TTL.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
