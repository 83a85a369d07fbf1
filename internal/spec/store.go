// Package spec reads published app specifications and deployment
// content on behalf of the request pipeline.
package spec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/model"
	"github.com/wudi/appgate/internal/storage"
)

// ErrNotPublished means no specification is published under the key.
// The cache is authoritative, so this is a definitive answer.
var ErrNotPublished = errors.New("spec: not published")

// SlugKey is the cache key of a specification published for a slug.
func SlugKey(slug string) string {
	return "spec:slug:" + slug
}

// DomainKey is the cache key of a specification published for a custom domain.
func DomainKey(host string) string {
	return "spec:domain:" + model.NormalizeHost(host)
}

func routeKey(deploymentID, routeID string) string {
	return deploymentID + "/" + routeID
}

// RouteContentPath is the deployment file holding a route's payload:
// the static body or the function source.
func RouteContentPath(routeID string) string {
	return "routes/" + routeID + "/content"
}

// RouteMetadataPath is the deployment file holding a route's metadata.
func RouteMetadataPath(routeID string) string {
	return "routes/" + routeID + "/metadata.json"
}

// Options configures a Store.
type Options struct {
	RouteMetadataTTL  time.Duration
	RouteMetadataSize int
	DecodedSize       int
}

// Store is the read side of the specification cache.
type Store struct {
	cache    cache.Cache
	files    *storage.DeploymentReader
	metadata *expirable.LRU[string, *model.ApiRouteMetadata]
	decoded  *lru.Cache[string, *model.AppSpecification] // raw value -> decoded spec
	group    singleflight.Group
}

// NewStore creates a Store reading specs from c and deployment files from files.
func NewStore(c cache.Cache, files *storage.DeploymentReader, opts Options) *Store {
	if opts.RouteMetadataTTL <= 0 {
		opts.RouteMetadataTTL = 6 * time.Hour
	}
	if opts.RouteMetadataSize <= 0 {
		opts.RouteMetadataSize = 10000
	}
	if opts.DecodedSize <= 0 {
		opts.DecodedSize = 1024
	}
	decoded, _ := lru.New[string, *model.AppSpecification](opts.DecodedSize)
	return &Store{
		cache:    c,
		files:    files,
		metadata: expirable.NewLRU[string, *model.ApiRouteMetadata](opts.RouteMetadataSize, nil, opts.RouteMetadataTTL),
		decoded:  decoded,
	}
}

// GetBySlug returns the specification published for slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*model.AppSpecification, error) {
	if slug == "" {
		return nil, ErrNotPublished
	}
	return s.get(ctx, SlugKey(slug))
}

// GetByCustomDomain returns the specification published for host.
func (s *Store) GetByCustomDomain(ctx context.Context, host string) (*model.AppSpecification, error) {
	if model.NormalizeHost(host) == "" {
		return nil, ErrNotPublished
	}
	return s.get(ctx, DomainKey(host))
}

func (s *Store) get(ctx context.Context, key string) (*model.AppSpecification, error) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("spec: lookup %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotPublished
	}

	// Specs are immutable, so a raw value always decodes to the same
	// spec. Readers share the decoded value.
	if sp, ok := s.decoded.Get(raw); ok {
		return activeOnly(sp)
	}
	var sp model.AppSpecification
	if err := json.Unmarshal([]byte(raw), &sp); err != nil {
		return nil, fmt.Errorf("spec: decode %s: %w", key, err)
	}
	s.decoded.Add(raw, &sp)
	return activeOnly(&sp)
}

func activeOnly(sp *model.AppSpecification) (*model.AppSpecification, error) {
	if !sp.Active() {
		return nil, ErrNotPublished
	}
	return sp, nil
}

// GetDeploymentFileContent reads a deployment file. Content is not cached.
func (s *Store) GetDeploymentFileContent(ctx context.Context, deploymentID, path string) ([]byte, error) {
	return s.files.ReadFile(ctx, deploymentID, path)
}

// StatDeploymentFile returns the manifest entry of a deployment file.
func (s *Store) StatDeploymentFile(ctx context.Context, deploymentID, path string) (model.DeploymentFile, error) {
	return s.files.Stat(ctx, deploymentID, path)
}

const metadataReadTimeout = 30 * time.Second

// GetRouteMetadata returns a route's metadata, read from the deployment
// on first use and kept for the configured TTL.
func (s *Store) GetRouteMetadata(ctx context.Context, deploymentID, routeID string) (*model.ApiRouteMetadata, error) {
	key := routeKey(deploymentID, routeID)
	if md, ok := s.metadata.Get(key); ok {
		return md, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metadataReadTimeout)
		defer cancel()
		data, err := s.files.ReadFile(ctx, deploymentID, RouteMetadataPath(routeID))
		if err != nil {
			return nil, err
		}
		var md model.ApiRouteMetadata
		if err := json.Unmarshal(data, &md); err != nil {
			return nil, fmt.Errorf("spec: decode metadata %s: %w", key, err)
		}
		s.metadata.Add(key, &md)
		return &md, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.ApiRouteMetadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
