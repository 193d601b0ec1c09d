// Package ledger is the balance-transfer engine the relay forwards to. The
// switch logic only sees the Engine interface; Balances is an in-memory
// implementation used by the server and the tests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"dead-mans-switch/internal/core"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroTransfer        = errors.New("transfer value must be positive")
	ErrBadOrigin           = errors.New("call requires root origin")
	ErrOverflow            = errors.New("balance overflow")
)

// Engine executes balance calls on behalf of an already authenticated sender.
type Engine interface {
	ExecuteBalanceCall(ctx context.Context, sender core.Identity, call BalanceCall) error
}

// Applied is a call the engine executed successfully.
type Applied struct {
	Sender core.Identity
	Call   BalanceCall
}

type Balances struct {
	mu       sync.RWMutex
	root     core.Identity
	accounts map[core.Identity]Balance
	journal  []Applied
}

// NewBalances creates the engine with genesis balances. root may issue
// SetBalance, an empty root disables it.
func NewBalances(root core.Identity, genesis map[core.Identity]Balance) *Balances {
	accounts := make(map[core.Identity]Balance, len(genesis))
	for who, amount := range genesis {
		accounts[who] = amount
	}
	return &Balances{root: root, accounts: accounts}
}

func (b *Balances) ExecuteBalanceCall(_ context.Context, sender core.Identity, call BalanceCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch c := call.(type) {
	case Transfer:
		if err := b.transfer(sender, c); err != nil {
			return err
		}
	case SetBalance:
		if b.root == "" || sender != b.root {
			return ErrBadOrigin
		}
		b.accounts[c.Who] = c.Free
	default:
		return fmt.Errorf("%w: %s.%s", ErrUnknownCall, call.Module(), call.Method())
	}
	b.journal = append(b.journal, Applied{Sender: sender, Call: call})
	return nil
}

func (b *Balances) transfer(from core.Identity, t Transfer) error {
	if t.Value == 0 {
		return ErrZeroTransfer
	}
	have := b.accounts[from]
	if have < t.Value {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, have, t.Value)
	}
	if from == t.Dest {
		return nil
	}
	if b.accounts[t.Dest] > math.MaxUint64-t.Value {
		return ErrOverflow
	}
	b.accounts[from] = have - t.Value
	b.accounts[t.Dest] += t.Value
	return nil
}

// Balance returns the free balance of who, zero for unknown accounts
func (b *Balances) Balance(who core.Identity) Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accounts[who]
}

// Journal lists every successfully applied call in order.
func (b *Balances) Journal() []Applied {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Applied, len(b.journal))
	copy(out, b.journal)
	return out
}
