package deadman

import (
	"context"
	"fmt"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/ledger"
)

// ActAs relays call to the ledger with trustor as the sender. The caller
// must be the trustor's beneficiary and the switch must have expired. Only
// balance transfers are relayed.
//
// Errors from the ledger are returned as they are.
func (s *Service) ActAs(ctx context.Context, caller, trustor core.Identity, call ledger.Call) (err error) {
	defer func() { s.metrics.op(ctx, "act_as", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	transfer, err := s.authorizeRelay(ctx, now, caller, trustor, call)
	if err != nil {
		s.metrics.relay(ctx, err)
		e := core.NewEvent(core.EventRelayDenied, now, caller, trustor)
		e.Details = err.Error()
		s.audit.Log(ctx, e)
		s.logger.WarnContext(ctx, "relay denied",
			"trustor", trustor, "caller", caller, "tick", uint64(now), "reason", Code(err))
		return err
	}

	e := core.NewEvent(core.EventActedAsTrustor, now, caller, trustor)
	e.Beneficiary = caller
	e.Details = fmt.Sprintf("%s.%s dest=%s value=%d", transfer.Module(), transfer.Method(), transfer.Dest, transfer.Value)
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "acting as trustor",
		"trustor", trustor, "beneficiary", caller, "tick", uint64(now),
		"dest", transfer.Dest, "value", uint64(transfer.Value))

	if err := s.ledger.ExecuteBalanceCall(ctx, trustor, transfer); err != nil {
		s.metrics.relay(ctx, err)
		failed := core.NewEvent(core.EventRelayFailed, now, caller, trustor)
		failed.Beneficiary = caller
		failed.Details = err.Error()
		s.audit.Log(ctx, failed)
		s.logger.WarnContext(ctx, "relayed call failed", "trustor", trustor, "error", err)
		return err
	}
	s.metrics.relay(ctx, nil)
	return nil
}

func (s *Service) authorizeRelay(ctx context.Context, now core.Tick, caller, trustor core.Identity, call ledger.Call) (ledger.Transfer, error) {
	c, err := s.load(ctx, trustor)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if caller != c.Beneficiary {
		return ledger.Transfer{}, core.ErrUnauthorized
	}
	if c.Status(now) != core.StatusExpired {
		return ledger.Transfer{}, fmt.Errorf("%w: %d ticks left", core.ErrSwitchNotExpired, c.Remaining(now))
	}
	switch v := call.(type) {
	case ledger.Transfer:
		return v, nil
	case nil:
		return ledger.Transfer{}, core.ErrUnsupportedCall
	default:
		return ledger.Transfer{}, fmt.Errorf("%w: %s.%s", core.ErrUnsupportedCall, v.Module(), v.Method())
	}
}
