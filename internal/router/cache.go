package router

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/appgate/internal/model"
)

// Compiled holds both routing stages of one spec revision.
type Compiled struct {
	Outer *Table
	API   *APITable
}

// Cache keeps compiled tables per decoded specification. spec.Store hands
// out one pointer per published value, so a republished spec is a new key
// whether or not its Version changed.
type Cache struct {
	lru *lru.Cache[*model.AppSpecification, *Compiled]
}

// NewCache creates a cache of at most size revisions.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 1024
	}
	l, _ := lru.New[*model.AppSpecification, *Compiled](size)
	return &Cache{lru: l}
}

// Get returns the compiled tables of sp, compiling them on first use.
func (c *Cache) Get(sp *model.AppSpecification) (*Compiled, error) {
	if cp, ok := c.lru.Get(sp); ok {
		return cp, nil
	}

	outer, err := Compile(sp.EffectiveRouting())
	if err != nil {
		return nil, err
	}
	api, err := CompileAPI(sp.APIRoutes)
	if err != nil {
		return nil, err
	}
	cp := &Compiled{Outer: outer, API: api}
	c.lru.Add(sp, cp)
	return cp, nil
}
