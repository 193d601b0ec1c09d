// Package store persists the contract table, the beneficiary index derived
// from it, and the genesis policy.
//
// The contract table is the source of truth. Every backend writes a contract
// and its reverse index edge in one atomic unit, so no reader can see one
// without the other. Check and RebuildIndex exist for tests and for recovery
// after corruption.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"dead-mans-switch/internal/core"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrExists         = errors.New("store: already exists")
	ErrPolicyMismatch = errors.New("store: policy differs from genesis policy")
)

type Store interface {
	// Policy returns the genesis policy, ErrNotFound before genesis.
	Policy(ctx context.Context) (core.GlobalPolicy, error)
	// SetPolicy records the genesis policy once, ErrExists afterwards.
	SetPolicy(ctx context.Context, p core.GlobalPolicy) error

	Contract(ctx context.Context, trustor core.Identity) (core.Contract, error)
	Contracts(ctx context.Context) (map[core.Identity]core.Contract, error)
	// TrustorsFor returns the trustors naming beneficiary, sorted.
	TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error)
	// Index dumps the whole reverse index.
	Index(ctx context.Context) (map[core.Identity][]core.Identity, error)

	// Insert adds a contract and its index edge, ErrExists if the trustor
	// already has one.
	Insert(ctx context.Context, trustor core.Identity, c core.Contract) error
	// Update replaces a contract, moving the index edge when the beneficiary
	// changes. ErrNotFound if there is nothing to update.
	Update(ctx context.Context, trustor core.Identity, c core.Contract) error
	// Delete removes a contract and its index edge.
	Delete(ctx context.Context, trustor core.Identity) error

	// RebuildIndex recomputes the reverse index from the contract table.
	RebuildIndex(ctx context.Context) error
	Close() error
}

// Genesis records p as the policy on a fresh store. On a store that already
// has one, the stored policy wins and a different p is an error: bounds are
// never revisited after genesis.
func Genesis(ctx context.Context, s Store, p core.GlobalPolicy) (core.GlobalPolicy, error) {
	if err := p.Validate(); err != nil {
		return core.GlobalPolicy{}, fmt.Errorf("genesis policy: %w", err)
	}
	stored, err := s.Policy(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.SetPolicy(ctx, p); err != nil {
			return core.GlobalPolicy{}, fmt.Errorf("record genesis policy: %w", err)
		}
		return p, nil
	case err != nil:
		return core.GlobalPolicy{}, fmt.Errorf("load policy: %w", err)
	case stored != p:
		return core.GlobalPolicy{}, fmt.Errorf("%w: stored [%d, %d], configured [%d, %d]",
			ErrPolicyMismatch, stored.MinDelay, stored.MaxDelay, p.MinDelay, p.MaxDelay)
	}
	return stored, nil
}

// Check verifies the beneficiary index is exactly the reverse of the
// contract table and reports every violation found.
func Check(ctx context.Context, s Store) error {
	contracts, err := s.Contracts(ctx)
	if err != nil {
		return fmt.Errorf("list contracts: %w", err)
	}
	index, err := s.Index(ctx)
	if err != nil {
		return fmt.Errorf("list index: %w", err)
	}

	var result *multierror.Error
	seen := make(map[core.Identity]core.Identity)
	for beneficiary, trustors := range index {
		for _, trustor := range trustors {
			if prev, dup := seen[trustor]; dup {
				result = multierror.Append(result,
					fmt.Errorf("trustor %s indexed under both %s and %s", trustor, prev, beneficiary))
				continue
			}
			seen[trustor] = beneficiary

			c, ok := contracts[trustor]
			switch {
			case !ok:
				result = multierror.Append(result,
					fmt.Errorf("index edge %s -> %s has no contract", beneficiary, trustor))
			case c.Beneficiary != beneficiary:
				result = multierror.Append(result,
					fmt.Errorf("trustor %s indexed under %s but contract names %s", trustor, beneficiary, c.Beneficiary))
			}
		}
	}
	for trustor, c := range contracts {
		if c.Beneficiary == trustor {
			result = multierror.Append(result, fmt.Errorf("trustor %s is their own beneficiary", trustor))
		}
		if _, ok := seen[trustor]; !ok {
			result = multierror.Append(result,
				fmt.Errorf("contract %s -> %s missing from index", trustor, c.Beneficiary))
		}
	}
	return result.ErrorOrNil()
}

func sortIdentities(ids []core.Identity) []core.Identity {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
