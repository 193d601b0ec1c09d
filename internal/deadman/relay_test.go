package deadman

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/ledger"
)

func TestActAsChecksInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	remark := ledger.Remark{Data: []byte("hi")}
	transfer := ledger.Transfer{Dest: "bob", Value: 1}

	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", transfer), core.ErrNoContract)

	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	// a stranger is refused before the expiry check
	require.ErrorIs(t, f.svc.ActAs(ctx, "carol", "alice", remark), core.ErrUnauthorized)
	// the trustor is not their own beneficiary
	require.ErrorIs(t, f.svc.ActAs(ctx, "alice", "alice", transfer), core.ErrUnauthorized)
	// expiry is checked before the call kind
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", remark), core.ErrSwitchNotExpired)

	f.at(t, 10)
	require.ErrorIs(t, f.svc.ActAs(ctx, "carol", "alice", transfer), core.ErrUnauthorized)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", remark), core.ErrUnsupportedCall)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", ledger.SetBalance{Who: "bob", Free: 1 << 20}), core.ErrUnsupportedCall)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", nil), core.ErrUnsupportedCall)

	assert.Equal(t, ledger.Balance(1000), f.ledger.Balance("alice"))
	assert.Equal(t, ledger.Balance(50), f.ledger.Balance("bob"))
	assert.Empty(t, f.ledger.Journal())

	denied := f.audit.OfType(core.EventRelayDenied)
	assert.Len(t, denied, 8)
	assert.Empty(t, f.audit.OfType(core.EventActedAsTrustor))
}

func TestActAsForwardsTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	f.at(t, 12)

	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 100}))

	assert.Equal(t, ledger.Balance(900), f.ledger.Balance("alice"))
	assert.Equal(t, ledger.Balance(150), f.ledger.Balance("bob"))
	journal := f.ledger.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, core.Identity("alice"), journal[0].Sender)

	acted := f.audit.OfType(core.EventActedAsTrustor)
	require.Len(t, acted, 1)
	assert.Equal(t, core.Identity("alice"), acted[0].Trustor)
	assert.Equal(t, core.Identity("bob"), acted[0].Beneficiary)
	assert.Equal(t, core.Tick(12), acted[0].Tick)

	// relaying leaves the switch as it was
	c, _, err := f.svc.Contract(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.Tick(0), c.LastPing)

	relays := collectCounter(t, f.reader, "dms.relays")
	assert.Equal(t, int64(1), relays["ok"])
}

func TestActAsReturnsLedgerErrorsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	f.at(t, 10)

	err = f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 0})
	assert.Equal(t, ledger.ErrZeroTransfer, err)

	err = f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 5000})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, "LEDGER_ERROR", Code(err))

	failed := f.audit.OfType(core.EventRelayFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, core.Identity("alice"), failed[0].Trustor)

	// the contract survives a failed forward
	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, st.Status)
	assert.Equal(t, ledger.Balance(1000), f.ledger.Balance("alice"))

	relays := collectCounter(t, f.reader, "dms.relays")
	assert.Equal(t, int64(2), relays["ledger_error"])
}

func TestSwitchLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	transfer := ledger.Transfer{Dest: "bob", Value: 250}

	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	f.at(t, 9)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", transfer), core.ErrSwitchNotExpired)
	assert.Equal(t, ledger.Balance(1000), f.ledger.Balance("alice"))

	f.at(t, 10)
	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", transfer))
	assert.Equal(t, ledger.Balance(750), f.ledger.Balance("alice"))

	f.at(t, 11)
	_, err = f.svc.Ping(ctx, "alice")
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", transfer), core.ErrSwitchNotExpired)
	assert.Equal(t, ledger.Balance(750), f.ledger.Balance("alice"))
}

func TestReclaimIsNotRetroactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	f.at(t, 30)
	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 300}))
	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "carol", Value: 100}))

	_, err = f.svc.Ping(ctx, "alice")
	require.NoError(t, err)

	// earlier relays stay applied
	assert.Equal(t, ledger.Balance(600), f.ledger.Balance("alice"))
	assert.Equal(t, ledger.Balance(350), f.ledger.Balance("bob"))
	assert.Equal(t, ledger.Balance(100), f.ledger.Balance("carol"))
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 1}), core.ErrSwitchNotExpired)

	// a full window of silence expires it again
	f.at(t, 40)
	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 1}))
}

func TestActAsFollowsBeneficiaryChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	_, err = f.svc.UpdateBeneficiary(ctx, "alice", "carol")
	require.NoError(t, err)

	f.at(t, 10)
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 1}), core.ErrUnauthorized)
	require.NoError(t, f.svc.ActAs(ctx, "carol", "alice", ledger.Transfer{Dest: "carol", Value: 1}))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "OK", Code(nil))
	assert.Equal(t, "NO_CONTRACT", Code(core.ErrNoContract))
	assert.Equal(t, "DELAY_OUT_OF_RANGE", Code(core.ErrDelayOutOfRange))
	assert.Equal(t, "LEDGER_ERROR", Code(ledger.ErrBadOrigin))
	assert.Equal(t, "INTERNAL", Code(context.Canceled))
}
