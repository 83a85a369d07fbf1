package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/variables"
)

// DefaultKeyHeader carries static keys when a scheme names no header.
const DefaultKeyHeader = "X-API-Key"

// KeyRecord is what the control plane stores for one issued static key.
// Only the key's hash is ever stored.
type KeyRecord struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record is past its expiry.
func (r KeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// HashKey returns the hex sha256 of a raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyRecordKey is the shared cache key of a key record.
func KeyRecordKey(appID, hash string) string {
	return "apikey:" + appID + ":" + hash
}

// StaticKeyVerifier validates opaque keys against tenant-scoped records.
type StaticKeyVerifier struct {
	records cache.Cache
	now     func() time.Time
}

// NewStaticKeyVerifier creates a verifier reading records from c.
func NewStaticKeyVerifier(c cache.Cache) *StaticKeyVerifier {
	return &StaticKeyVerifier{records: c, now: time.Now}
}

// Verify looks the request's key up for the given app.
func (v *StaticKeyVerifier) Verify(ctx context.Context, r *http.Request, appID string, scheme model.AuthScheme) (*variables.Identity, error) {
	header := DefaultKeyHeader
	if scheme.StaticKey != nil && scheme.StaticKey.Header != "" {
		header = scheme.StaticKey.Header
	}
	key := r.Header.Get(header)
	if key == "" {
		return nil, errNoCredential
	}

	raw, ok, err := v.records.Get(ctx, KeyRecordKey(appID, HashKey(key)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown key")
	}

	var rec KeyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}
	if rec.Expired(v.now()) {
		return nil, fmt.Errorf("key %q expired", rec.Name)
	}

	return &variables.Identity{
		Scheme:   scheme.Name,
		AuthType: model.AuthSchemeStaticKey,
		Subject:  rec.Name,
		Claims:   map[string]interface{}{"key_name": rec.Name},
	}, nil
}

// IssueKey stores a record for key. It is the control plane's half of the
// contract and is used by tooling and tests.
func IssueKey(ctx context.Context, c cache.Cache, appID, key string, rec KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, KeyRecordKey(appID, HashKey(key)), string(data), 0)
}
