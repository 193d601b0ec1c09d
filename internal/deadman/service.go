// Package deadman implements the dead man's switch: a trustor names a
// beneficiary and a delay in ticks, and must ping at least once per delay.
// Once a switch has gone a full delay without a ping, the beneficiary may
// relay balance transfers as if they were the trustor.
//
// Trust boundary: the relay never sees the trustor's key. An authenticated
// beneficiary identity plus an expired switch is the whole authorization, so
// every relay attempt, granted or not, goes to the audit trail with trustor,
// beneficiary and tick.
//
// Every operation runs under one lock and checks everything before it
// touches the store, so a failed call leaves no trace besides its audit
// event.
package deadman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/ledger"
	"dead-mans-switch/internal/store"
	"dead-mans-switch/internal/tick"
)

type Service struct {
	mu sync.Mutex

	store   store.Store
	policy  core.GlobalPolicy
	clock   tick.Source
	ledger  ledger.Engine
	audit   core.AuditLogger
	logger  *slog.Logger
	meter   metric.Meter
	metrics *metrics
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithAudit(a core.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithMeter overrides the global otel meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.meter = m }
}

// New builds the service over an already initialised store. policy is the
// genesis policy as returned by store.Genesis.
func New(st store.Store, policy core.GlobalPolicy, clock tick.Source, engine ledger.Engine, opts ...Option) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:  st,
		policy: policy,
		clock:  clock,
		ledger: engine,
		audit:  nopAudit{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter == nil {
		s.meter = otel.Meter("dead-mans-switch/deadman")
	}
	m, err := newMetrics(s.meter)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.logger = s.logger.With("component", "deadman")
	return s, nil
}

// CreateSwitch registers a new contract for trustor, starting its window at
// the current tick.
func (s *Service) CreateSwitch(ctx context.Context, trustor, beneficiary core.Identity, delay core.Tick) (c core.Contract, err error) {
	defer func() { s.metrics.op(ctx, "create", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	switch _, err := s.store.Contract(ctx, trustor); {
	case err == nil:
		return core.Contract{}, core.ErrAlreadyExists
	case !errors.Is(err, store.ErrNotFound):
		return core.Contract{}, fmt.Errorf("load contract: %w", err)
	}
	if beneficiary == trustor {
		return core.Contract{}, core.ErrSelfDelegation
	}
	if err := s.checkDelay(delay); err != nil {
		return core.Contract{}, err
	}

	c = core.Contract{Beneficiary: beneficiary, Delay: delay, LastPing: now}
	if err := s.store.Insert(ctx, trustor, c); err != nil {
		if errors.Is(err, store.ErrExists) {
			return core.Contract{}, core.ErrAlreadyExists
		}
		return core.Contract{}, fmt.Errorf("create switch: %w", err)
	}

	e := core.NewEvent(core.EventCreatedContract, now, trustor, trustor)
	e.Beneficiary = beneficiary
	e.Details = fmt.Sprintf("delay=%d", delay)
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "switch created",
		"trustor", trustor, "beneficiary", beneficiary, "delay", uint64(delay), "tick", uint64(now))
	return c, nil
}

// Ping proves the trustor is alive. It also reclaims an expired switch: the
// window restarts at the current tick, relays already made stay made.
func (s *Service) Ping(ctx context.Context, trustor core.Identity) (c core.Contract, err error) {
	defer func() { s.metrics.op(ctx, "ping", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	c, err = s.load(ctx, trustor)
	if err != nil {
		return core.Contract{}, err
	}
	reclaimed := c.Status(now) == core.StatusExpired
	c.LastPing = now
	if err := s.store.Update(ctx, trustor, c); err != nil {
		return core.Contract{}, fmt.Errorf("ping: %w", err)
	}

	e := core.NewEvent(core.EventPingedAlive, now, trustor, trustor)
	if reclaimed {
		e.Details = "reclaimed"
	}
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "pinged", "trustor", trustor, "tick", uint64(now), "reclaimed", reclaimed)
	return c, nil
}

// Revoke deletes the trustor's contract. Only the trustor may revoke.
func (s *Service) Revoke(ctx context.Context, caller, trustor core.Identity) (err error) {
	defer func() { s.metrics.op(ctx, "revoke", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	c, err := s.load(ctx, trustor)
	if err != nil {
		return err
	}
	if caller != trustor {
		return core.ErrUnauthorized
	}
	if err := s.store.Delete(ctx, trustor); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	e := core.NewEvent(core.EventDeletedContract, now, caller, trustor)
	e.Beneficiary = c.Beneficiary
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "switch revoked", "trustor", trustor, "tick", uint64(now))
	return nil
}

// UpdateBeneficiary points the switch at someone else. The window is left
// alone.
func (s *Service) UpdateBeneficiary(ctx context.Context, trustor, beneficiary core.Identity) (c core.Contract, err error) {
	defer func() { s.metrics.op(ctx, "update_beneficiary", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	c, err = s.load(ctx, trustor)
	if err != nil {
		return core.Contract{}, err
	}
	if beneficiary == trustor {
		return core.Contract{}, core.ErrSelfDelegation
	}
	if beneficiary == c.Beneficiary {
		return core.Contract{}, core.ErrSameBeneficiary
	}
	prev := c.Beneficiary
	c.Beneficiary = beneficiary
	if err := s.store.Update(ctx, trustor, c); err != nil {
		return core.Contract{}, fmt.Errorf("update beneficiary: %w", err)
	}

	e := core.NewEvent(core.EventBeneficiaryUpdated, now, trustor, trustor)
	e.Beneficiary = beneficiary
	e.Details = "previous=" + string(prev)
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "beneficiary updated",
		"trustor", trustor, "from", prev, "to", beneficiary, "tick", uint64(now))
	return c, nil
}

// UpdateDelay changes the window length and restarts it at the current tick.
func (s *Service) UpdateDelay(ctx context.Context, trustor core.Identity, delay core.Tick) (c core.Contract, err error) {
	defer func() { s.metrics.op(ctx, "update_delay", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.CurrentTick()
	c, err = s.load(ctx, trustor)
	if err != nil {
		return core.Contract{}, err
	}
	if err := s.checkDelay(delay); err != nil {
		return core.Contract{}, err
	}
	c.Delay = delay
	c.LastPing = now
	if err := s.store.Update(ctx, trustor, c); err != nil {
		return core.Contract{}, fmt.Errorf("update delay: %w", err)
	}

	e := core.NewEvent(core.EventDelayUpdated, now, trustor, trustor)
	e.Details = fmt.Sprintf("delay=%d", delay)
	s.audit.Log(ctx, e)
	s.logger.InfoContext(ctx, "delay updated", "trustor", trustor, "delay", uint64(delay), "tick", uint64(now))
	return c, nil
}

// Contract returns the trustor's contract, ok is false if there is none.
func (s *Service) Contract(ctx context.Context, trustor core.Identity) (core.Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.store.Contract(ctx, trustor)
	if errors.Is(err, store.ErrNotFound) {
		return core.Contract{}, false, nil
	}
	if err != nil {
		return core.Contract{}, false, err
	}
	return c, true, nil
}

// TrustorsFor lists every trustor naming beneficiary, sorted.
func (s *Service) TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.TrustorsFor(ctx, beneficiary)
}

// SwitchStatus is a contract evaluated at a tick.
type SwitchStatus struct {
	Trustor   core.Identity `json:"trustor"`
	Contract  core.Contract `json:"contract"`
	Status    core.Status   `json:"status"`
	Now       core.Tick     `json:"now"`
	ExpiresAt core.Tick     `json:"expires_at"`
	Remaining core.Tick     `json:"remaining"`
}

func (s *Service) Status(ctx context.Context, trustor core.Identity) (SwitchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.CurrentTick()
	c, err := s.load(ctx, trustor)
	if err != nil {
		return SwitchStatus{}, err
	}
	return SwitchStatus{
		Trustor:   trustor,
		Contract:  c,
		Status:    c.Status(now),
		Now:       now,
		ExpiresAt: c.ExpiresAt(),
		Remaining: c.Remaining(now),
	}, nil
}

func (s *Service) Policy() core.GlobalPolicy {
	return s.policy
}

func (s *Service) CurrentTick() core.Tick {
	return s.clock.CurrentTick()
}

// CheckIndex reports every disagreement between the beneficiary index and
// the contract table.
func (s *Service) CheckIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Check(ctx, s.store)
}

// RebuildIndex recomputes the beneficiary index from the contract table.
func (s *Service) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	s.logger.WarnContext(ctx, "beneficiary index rebuilt from contract table")
	return nil
}

func (s *Service) load(ctx context.Context, trustor core.Identity) (core.Contract, error) {
	c, err := s.store.Contract(ctx, trustor)
	if errors.Is(err, store.ErrNotFound) {
		return core.Contract{}, core.ErrNoContract
	}
	if err != nil {
		return core.Contract{}, fmt.Errorf("load contract: %w", err)
	}
	return c, nil
}

func (s *Service) checkDelay(delay core.Tick) error {
	if !s.policy.Permits(delay) {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			core.ErrDelayOutOfRange, delay, s.policy.MinDelay, s.policy.MaxDelay)
	}
	return nil
}

type nopAudit struct{}

func (nopAudit) Log(context.Context, core.Event) {}
