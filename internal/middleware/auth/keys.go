package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/model"
)

const (
	maxJWKSBody = 1 << 20

	// keyFetchTimeout bounds one shared fetch, which runs detached from
	// the request that started it.
	keyFetchTimeout = 15 * time.Second

	// minRefreshInterval limits refetches triggered by unknown key ids.
	minRefreshInterval = 30 * time.Second
)

// JWKSKey is the shared cache key holding an issuer's key set.
func JWKSKey(issuer string) string {
	return "jwks:" + issuer
}

// KeyCache resolves an issuer's signing keys. Raw key sets are shared
// between gateway instances through the cache contract; parsed sets are
// kept per process.
type KeyCache struct {
	shared cache.Cache
	client *http.Client
	ttl    time.Duration
	parsed *expirable.LRU[string, jwk.Set]
	group  singleflight.Group

	// recent marks issuers refreshed within minRefreshInterval.
	recent *expirable.LRU[string, struct{}]
}

// NewKeyCache creates a key cache. ttl bounds how long a fetched key set
// is trusted before it is fetched again.
func NewKeyCache(shared cache.Cache, client *http.Client, ttl time.Duration, size int) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if size <= 0 {
		size = 256
	}
	return &KeyCache{
		shared: shared,
		client: client,
		ttl:    ttl,
		parsed: expirable.NewLRU[string, jwk.Set](size, nil, ttl),
		recent: expirable.NewLRU[string, struct{}](size, nil, minRefreshInterval),
	}
}

// Keys returns the key set for the scheme's issuer. Concurrent misses for
// one issuer share a single fetch.
func (k *KeyCache) Keys(ctx context.Context, scheme *model.OIDCScheme) (jwk.Set, error) {
	if set, ok := k.parsed.Get(scheme.Issuer); ok {
		return set, nil
	}

	return k.share(ctx, scheme.Issuer, func(ctx context.Context) (jwk.Set, error) {
		raw, err := k.load(ctx, scheme)
		if err != nil {
			return nil, err
		}
		set, err := jwk.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse JWKS for %s: %w", scheme.Issuer, err)
		}
		k.parsed.Add(scheme.Issuer, set)
		return set, nil
	})
}

// Refresh fetches the issuer's keys again, bypassing both caches. It is
// used when a token names a key id the cached set lacks, i.e. after the
// issuer rotated its keys. Refreshes per issuer are limited to one per
// minRefreshInterval; a limited call reports false.
func (k *KeyCache) Refresh(ctx context.Context, scheme *model.OIDCScheme) (jwk.Set, bool, error) {
	if _, ok := k.recent.Get(scheme.Issuer); ok {
		return nil, false, nil
	}
	set, err := k.share(ctx, "refresh:"+scheme.Issuer, func(ctx context.Context) (jwk.Set, error) {
		k.recent.Add(scheme.Issuer, struct{}{})
		body, err := k.fetch(ctx, scheme)
		if err != nil {
			return nil, err
		}
		set, err := jwk.Parse(body)
		if err != nil {
			return nil, fmt.Errorf("issuer %s served an invalid JWKS: %w", scheme.Issuer, err)
		}
		if err := k.shared.Set(ctx, JWKSKey(scheme.Issuer), string(body), k.ttl); err != nil {
			logging.Warn("JWKS cache write failed", zap.String("issuer", scheme.Issuer), zap.Error(err))
		}
		k.parsed.Add(scheme.Issuer, set)
		logging.Info("JWKS refreshed", zap.String("issuer", scheme.Issuer))
		return set, nil
	})
	if err != nil {
		return nil, true, err
	}
	return set, true, nil
}

// share runs fn once per key for all concurrent callers. fn runs detached
// from any single caller; a caller whose ctx ends stops waiting without
// failing the others.
func (k *KeyCache) share(ctx context.Context, key string, fn func(context.Context) (jwk.Set, error)) (jwk.Set, error) {
	ch := k.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate forgets the issuer's keys in this process and the shared cache.
func (k *KeyCache) Invalidate(ctx context.Context, issuer string) error {
	k.parsed.Remove(issuer)
	return k.shared.Remove(ctx, JWKSKey(issuer))
}

func (k *KeyCache) load(ctx context.Context, scheme *model.OIDCScheme) ([]byte, error) {
	key := JWKSKey(scheme.Issuer)
	raw, ok, err := k.shared.Get(ctx, key)
	if err != nil {
		// The shared cache is an optimisation here; the issuer stays reachable.
		logging.Warn("JWKS cache read failed", zap.String("issuer", scheme.Issuer), zap.Error(err))
	}
	if ok {
		return []byte(raw), nil
	}

	body, err := k.fetch(ctx, scheme)
	if err != nil {
		return nil, err
	}
	if _, err := jwk.Parse(body); err != nil {
		return nil, fmt.Errorf("issuer %s served an invalid JWKS: %w", scheme.Issuer, err)
	}
	if err := k.shared.Set(ctx, key, string(body), k.ttl); err != nil {
		logging.Warn("JWKS cache write failed", zap.String("issuer", scheme.Issuer), zap.Error(err))
	}
	return body, nil
}

func (k *KeyCache) fetch(ctx context.Context, scheme *model.OIDCScheme) ([]byte, error) {
	jwksURI := scheme.JWKSURI
	if jwksURI == "" {
		var err error
		jwksURI, err = k.discover(ctx, scheme.Issuer)
		if err != nil {
			return nil, err
		}
	}
	return k.get(ctx, jwksURI)
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func (k *KeyCache) discover(ctx context.Context, issuer string) (string, error) {
	body, err := k.get(ctx, strings.TrimSuffix(issuer, "/")+"/.well-known/openid-configuration")
	if err != nil {
		return "", err
	}
	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode discovery document for %s: %w", issuer, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return doc.JWKSURI, nil
}

func (k *KeyCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
}
