package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"dead-mans-switch/internal/core"
)

// Cached puts an LRU of contracts in front of a slower Store. Writes go to
// the inner store first and only then touch the cache, so a failed write
// never leaves a cached value the store does not hold. It assumes it is the
// only writer of the inner store.
type Cached struct {
	Store
	contracts *lru.Cache[core.Identity, core.Contract]
}

func NewCached(inner Store, size int) (*Cached, error) {
	cache, err := lru.New[core.Identity, core.Contract](size)
	if err != nil {
		return nil, fmt.Errorf("contract cache: %w", err)
	}
	return &Cached{Store: inner, contracts: cache}, nil
}

func (c *Cached) Contract(ctx context.Context, trustor core.Identity) (core.Contract, error) {
	if v, ok := c.contracts.Get(trustor); ok {
		return v, nil
	}
	v, err := c.Store.Contract(ctx, trustor)
	if err != nil {
		return core.Contract{}, err
	}
	c.contracts.Add(trustor, v)
	return v, nil
}

func (c *Cached) Insert(ctx context.Context, trustor core.Identity, v core.Contract) error {
	if err := c.Store.Insert(ctx, trustor, v); err != nil {
		return err
	}
	c.contracts.Add(trustor, v)
	return nil
}

func (c *Cached) Update(ctx context.Context, trustor core.Identity, v core.Contract) error {
	if err := c.Store.Update(ctx, trustor, v); err != nil {
		c.contracts.Remove(trustor)
		return err
	}
	c.contracts.Add(trustor, v)
	return nil
}

func (c *Cached) Delete(ctx context.Context, trustor core.Identity) error {
	c.contracts.Remove(trustor)
	return c.Store.Delete(ctx, trustor)
}

// Len is the number of cached contracts.
func (c *Cached) Len() int {
	return c.contracts.Len()
}
