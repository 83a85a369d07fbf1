package spec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/model"
)

// Publisher writes specifications into the shared cache the way the
// control plane does. Each key is replaced by a single SET, so readers
// see either the old or the new value.
type Publisher struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewPublisher creates a Publisher. ttl 0 publishes without expiry.
func NewPublisher(c cache.Cache, ttl time.Duration) *Publisher {
	return &Publisher{cache: c, ttl: ttl}
}

// Publish stores sp under its slug and every custom domain.
func (p *Publisher) Publish(ctx context.Context, sp *model.AppSpecification) error {
	data, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("spec: encode %s: %w", sp.ID, err)
	}
	if err := p.cache.Set(ctx, SlugKey(sp.Slug), string(data), p.ttl); err != nil {
		return err
	}
	for _, d := range sp.CustomDomains {
		if err := p.cache.Set(ctx, DomainKey(d), string(data), p.ttl); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish removes every key of sp.
func (p *Publisher) Unpublish(ctx context.Context, sp *model.AppSpecification) error {
	if err := p.cache.Remove(ctx, SlugKey(sp.Slug)); err != nil {
		return err
	}
	for _, d := range sp.CustomDomains {
		if err := p.cache.Remove(ctx, DomainKey(d)); err != nil {
			return err
		}
	}
	return nil
}
