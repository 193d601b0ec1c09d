package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dead-mans-switch/internal/core"
)

func TestTransferMovesFunds(t *testing.T) {
	b := NewBalances("", map[core.Identity]Balance{"alice": 50, "bob": 100})
	ctx := context.Background()

	require.NoError(t, b.ExecuteBalanceCall(ctx, "alice", Transfer{Dest: "bob", Value: 20}))
	assert.Equal(t, Balance(30), b.Balance("alice"))
	assert.Equal(t, Balance(120), b.Balance("bob"))
	require.Len(t, b.Journal(), 1)
	assert.Equal(t, core.Identity("alice"), b.Journal()[0].Sender)
}

func TestTransferFailuresLeaveBalances(t *testing.T) {
	b := NewBalances("", map[core.Identity]Balance{"alice": 50})
	ctx := context.Background()

	err := b.ExecuteBalanceCall(ctx, "alice", Transfer{Dest: "bob", Value: 51})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	err = b.ExecuteBalanceCall(ctx, "alice", Transfer{Dest: "bob", Value: 0})
	require.ErrorIs(t, err, ErrZeroTransfer)

	assert.Equal(t, Balance(50), b.Balance("alice"))
	assert.Equal(t, Balance(0), b.Balance("bob"))
	assert.Empty(t, b.Journal())
}

func TestSetBalanceNeedsRoot(t *testing.T) {
	b := NewBalances("root", nil)
	ctx := context.Background()

	require.ErrorIs(t, b.ExecuteBalanceCall(ctx, "alice", SetBalance{Who: "alice", Free: 10}), ErrBadOrigin)
	require.NoError(t, b.ExecuteBalanceCall(ctx, "root", SetBalance{Who: "alice", Free: 10}))
	assert.Equal(t, Balance(10), b.Balance("alice"))

	noRoot := NewBalances("", nil)
	require.ErrorIs(t, noRoot.ExecuteBalanceCall(ctx, "", SetBalance{Who: "x", Free: 1}), ErrBadOrigin)
}

func TestTransferOverflow(t *testing.T) {
	b := NewBalances("", map[core.Identity]Balance{"alice": 10, "bob": ^Balance(0)})
	err := b.ExecuteBalanceCall(context.Background(), "alice", Transfer{Dest: "bob", Value: 1})
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, Balance(10), b.Balance("alice"))
}

func TestDecodeCall(t *testing.T) {
	call, err := DecodeCall("balances", "transfer", json.RawMessage(`{"dest":"bob","value":7}`))
	require.NoError(t, err)
	assert.Equal(t, Transfer{Dest: "bob", Value: 7}, call)

	call, err = DecodeCall("system", "remark", nil)
	require.NoError(t, err)
	assert.Equal(t, "remark", call.Method())

	_, err = DecodeCall("staking", "bond", nil)
	require.ErrorIs(t, err, ErrUnknownCall)

	_, err = DecodeCall("balances", "transfer", json.RawMessage(`{"dest":"bob","amount":7}`))
	require.Error(t, err)
}
