// Package cache provides the shared key/value cache the gateway reads
// published specifications and credentials from.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Cache stores string values with an optional time-to-live. A ttl of
// zero means no expiry. Get reports a missing key with ok=false and a
// nil error; errors mean the cache itself could not be consulted.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Close() error
}
