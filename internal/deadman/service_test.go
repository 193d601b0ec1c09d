package deadman

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/ledger"
	"dead-mans-switch/internal/store"
	"dead-mans-switch/internal/tick"
)

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	clock  *tick.Manual
	ledger *ledger.Balances
	audit  *core.MemoryAuditLogger
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	policy, err := store.Genesis(ctx, st, core.GlobalPolicy{MinDelay: 10, MaxDelay: 100})
	require.NoError(t, err)

	f := &fixture{
		store:  st,
		clock:  tick.NewManual(0),
		ledger: ledger.NewBalances("root", map[core.Identity]ledger.Balance{"alice": 1000, "bob": 50}),
		audit:  core.NewMemoryAuditLogger(),
		reader: sdkmetric.NewManualReader(),
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	f.svc, err = New(st, policy, f.clock, f.ledger,
		WithAudit(f.audit),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMeter(provider.Meter("deadman-test")),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) at(t *testing.T, h core.Tick) {
	t.Helper()
	require.NoError(t, f.clock.Set(h))
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(store.NewMemoryStore(), core.GlobalPolicy{MinDelay: 10, MaxDelay: 5}, tick.NewManual(0), ledger.NewBalances("", nil))
	require.Error(t, err)
}

func TestCreateSwitch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.at(t, 5)

	c, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, core.Contract{Beneficiary: "bob", Delay: 10, LastPing: 5}, c)

	stored, ok, err := f.svc.Contract(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, stored)

	trustors, err := f.svc.TrustorsFor(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []core.Identity{"alice"}, trustors)

	created := f.audit.OfType(core.EventCreatedContract)
	require.Len(t, created, 1)
	assert.Equal(t, core.Identity("alice"), created[0].Trustor)
	assert.Equal(t, core.Identity("bob"), created[0].Beneficiary)
	assert.Equal(t, core.Tick(5), created[0].Tick)
}

func TestCreateSwitchValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	tests := []struct {
		name        string
		trustor     core.Identity
		beneficiary core.Identity
		delay       core.Tick
		want        error
	}{
		{"existing contract wins over every other check", "alice", "alice", 1, core.ErrAlreadyExists},
		{"existing contract", "alice", "carol", 20, core.ErrAlreadyExists},
		{"self delegation before delay bounds", "carol", "carol", 1, core.ErrSelfDelegation},
		{"below min", "carol", "dave", 9, core.ErrDelayOutOfRange},
		{"above max", "carol", "dave", 101, core.ErrDelayOutOfRange},
		{"zero delay", "carol", "dave", 0, core.ErrDelayOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSwitch(ctx, tt.trustor, tt.beneficiary, tt.delay)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// failures left nothing behind
	c, _, err := f.svc.Contract(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.Contract{Beneficiary: "bob", Delay: 10}, c)
	_, ok, err := f.svc.Contract(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.svc.CheckIndex(ctx))
	assert.Len(t, f.audit.OfType(core.EventCreatedContract), 1)

	// both bounds are inclusive
	_, err = f.svc.CreateSwitch(ctx, "carol", "dave", 10)
	require.NoError(t, err)
	_, err = f.svc.CreateSwitch(ctx, "erin", "dave", 100)
	require.NoError(t, err)
}

func TestStatusWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	f.at(t, 9)
	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, st.Status)
	assert.Equal(t, core.Tick(1), st.Remaining)
	assert.Equal(t, core.Tick(10), st.ExpiresAt)

	f.at(t, 10)
	st, err = f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, st.Status)
	assert.Equal(t, core.Tick(0), st.Remaining)
	assert.Equal(t, core.Tick(10), st.Now)

	_, err = f.svc.Status(ctx, "nobody")
	require.ErrorIs(t, err, core.ErrNoContract)
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ping(ctx, "alice")
	require.ErrorIs(t, err, core.ErrNoContract)

	_, err = f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	f.at(t, 7)
	c, err := f.svc.Ping(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.Tick(7), c.LastPing)
	assert.Equal(t, core.Tick(10), c.Delay)

	f.at(t, 16)
	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, st.Status)

	f.at(t, 17)
	st, err = f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, st.Status)

	// pinging an expired switch reclaims it
	_, err = f.svc.Ping(ctx, "alice")
	require.NoError(t, err)
	pings := f.audit.OfType(core.EventPingedAlive)
	require.Len(t, pings, 2)
	assert.Empty(t, pings[0].Details)
	assert.Equal(t, "reclaimed", pings[1].Details)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.svc.Revoke(ctx, "alice", "alice"), core.ErrNoContract)

	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)

	// not even the beneficiary of an expired switch may revoke it
	f.at(t, 50)
	require.ErrorIs(t, f.svc.Revoke(ctx, "bob", "alice"), core.ErrUnauthorized)
	_, ok, err := f.svc.Contract(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.svc.Revoke(ctx, "alice", "alice"))
	_, ok, err = f.svc.Contract(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	trustors, err := f.svc.TrustorsFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, trustors)

	// a new contract may follow
	c, err := f.svc.CreateSwitch(ctx, "alice", "carol", 20)
	require.NoError(t, err)
	assert.Equal(t, core.Tick(50), c.LastPing)
	require.NoError(t, f.svc.CheckIndex(ctx))
	assert.Len(t, f.audit.OfType(core.EventDeletedContract), 1)
}

func TestUpdateBeneficiary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateBeneficiary(ctx, "alice", "carol")
	require.ErrorIs(t, err, core.ErrNoContract)

	_, err = f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	f.at(t, 3)

	_, err = f.svc.UpdateBeneficiary(ctx, "alice", "alice")
	require.ErrorIs(t, err, core.ErrSelfDelegation)
	_, err = f.svc.UpdateBeneficiary(ctx, "alice", "bob")
	require.ErrorIs(t, err, core.ErrSameBeneficiary)

	c, err := f.svc.UpdateBeneficiary(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, core.Contract{Beneficiary: "carol", Delay: 10, LastPing: 0}, c)

	bob, err := f.svc.TrustorsFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob)
	carol, err := f.svc.TrustorsFor(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []core.Identity{"alice"}, carol)
	require.NoError(t, f.svc.CheckIndex(ctx))

	updated := f.audit.OfType(core.EventBeneficiaryUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "previous=bob", updated[0].Details)
}

func TestUpdateDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.UpdateDelay(ctx, "alice", 20)
	require.ErrorIs(t, err, core.ErrNoContract)

	_, err = f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	f.at(t, 4)

	_, err = f.svc.UpdateDelay(ctx, "alice", 5)
	require.ErrorIs(t, err, core.ErrDelayOutOfRange)
	_, err = f.svc.UpdateDelay(ctx, "alice", 500)
	require.ErrorIs(t, err, core.ErrDelayOutOfRange)

	c, err := f.svc.UpdateDelay(ctx, "alice", 20)
	require.NoError(t, err)
	assert.Equal(t, core.Contract{Beneficiary: "bob", Delay: 20, LastPing: 4}, c)

	f.at(t, 23)
	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, st.Status)
	f.at(t, 24)
	st, err = f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, st.Status)
}

func TestOperationMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	_, err = f.svc.CreateSwitch(ctx, "alice", "bob", 10)
	require.ErrorIs(t, err, core.ErrAlreadyExists)
	_, err = f.svc.Ping(ctx, "nobody")
	require.ErrorIs(t, err, core.ErrNoContract)

	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 1}), core.ErrSwitchNotExpired)
	f.at(t, 10)
	require.NoError(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 1}))
	require.ErrorIs(t, f.svc.ActAs(ctx, "bob", "alice", ledger.Transfer{Dest: "bob", Value: 5000}), ledger.ErrInsufficientBalance)

	counts := collectCounter(t, f.reader, "dms.operations")
	assert.Equal(t, int64(1), counts["create/ok"])
	assert.Equal(t, int64(1), counts["create/already_exists"])
	assert.Equal(t, int64(1), counts["ping/no_contract"])
	assert.Equal(t, int64(1), counts["act_as/switch_not_expired"])
	assert.Equal(t, int64(1), counts["act_as/ok"])
	assert.Equal(t, int64(1), counts["act_as/ledger_error"])
}

// collectCounter sums an int64 counter by its op/outcome attributes.
func collectCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				key := attr(dp.Attributes, "outcome")
				if op := attr(dp.Attributes, "op"); op != "" {
					key = op + "/" + key
				}
				out[key] += dp.Value
			}
		}
	}
	return out
}

func attr(set attribute.Set, key string) string {
	v, ok := set.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return v.AsString()
}

func TestConcurrentOperationsKeepIndexConsistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trustors := []core.Identity{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	beneficiaries := []core.Identity{"b0", "b1", "b2"}

	var wg sync.WaitGroup
	for i, trustor := range trustors {
		wg.Add(1)
		go func(i int, trustor core.Identity) {
			defer wg.Done()
			_, _ = f.svc.CreateSwitch(ctx, trustor, beneficiaries[i%3], 10)
			for j := 0; j < 20; j++ {
				_, _ = f.svc.UpdateBeneficiary(ctx, trustor, beneficiaries[(i+j)%3])
				_, _ = f.svc.Ping(ctx, trustor)
				if j%7 == 0 {
					_ = f.svc.Revoke(ctx, trustor, trustor)
					_, _ = f.svc.CreateSwitch(ctx, trustor, beneficiaries[j%3], 10)
				}
				f.clock.Advance(1)
			}
		}(i, trustor)
	}
	wg.Wait()

	require.NoError(t, f.svc.CheckIndex(ctx))
}

func TestIndexMirrorsTableProperty(t *testing.T) {
	ids := []core.Identity{"a", "b", "c", "d"}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("index is the reverse of the table after any sequence", prop.ForAll(
		func(steps []uint32) bool {
			ctx := context.Background()
			f := newFixture(t)
			for _, step := range steps {
				a := ids[(step/6)%4]
				b := ids[(step/24)%4]
				delay := core.Tick(5 + (step/96)%100)
				switch step % 6 {
				case 0:
					_, _ = f.svc.CreateSwitch(ctx, a, b, delay)
				case 1:
					_, _ = f.svc.Ping(ctx, a)
				case 2:
					_ = f.svc.Revoke(ctx, b, a)
				case 3:
					_, _ = f.svc.UpdateBeneficiary(ctx, a, b)
				case 4:
					_, _ = f.svc.UpdateDelay(ctx, a, delay)
				case 5:
					_ = f.svc.ActAs(ctx, b, a, ledger.Transfer{Dest: b, Value: 1})
				}
				f.clock.Advance(core.Tick(step % 7))
			}
			if f.svc.CheckIndex(ctx) != nil {
				return false
			}
			contracts, err := f.store.Contracts(ctx)
			if err != nil {
				return false
			}
			for trustor, c := range contracts {
				if c.Beneficiary == trustor || !f.svc.Policy().Permits(c.Delay) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.UInt32()),
	))

	properties.TestingRun(t)
}
