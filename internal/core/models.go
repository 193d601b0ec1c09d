package core

import (
	"fmt"
	"math"
)

// Tick is a block height. The clock only moves forward.
type Tick uint64

// Identity is an account on the ledger. At the transport edge it is the hex
// encoding of an ed25519 public key, the core only compares it.
type Identity string

// Status of a switch, derived from the contract and the current tick
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

func (s Status) String() string { return string(s) }

// GlobalPolicy bounds the delay a trustor may pick. Set once at genesis.
type GlobalPolicy struct {
	MinDelay Tick `json:"min_delay" yaml:"min_delay"`
	MaxDelay Tick `json:"max_delay" yaml:"max_delay"`
}

func (p GlobalPolicy) Validate() error {
	if p.MinDelay == 0 {
		return fmt.Errorf("min delay must be positive")
	}
	if p.MinDelay > p.MaxDelay {
		return fmt.Errorf("min delay %d exceeds max delay %d", p.MinDelay, p.MaxDelay)
	}
	return nil
}

// Permits reports whether delay lies in [MinDelay, MaxDelay]
func (p GlobalPolicy) Permits(delay Tick) bool {
	return delay >= p.MinDelay && delay <= p.MaxDelay
}

// Contract is the switch a trustor holds. There is no status field, the
// status is always recomputed from LastPing.
type Contract struct {
	Beneficiary Identity `json:"beneficiary"`
	Delay       Tick     `json:"delay"`
	LastPing    Tick     `json:"last_ping"`
}

// Elapsed returns the ticks since the last ping. A clock reading behind
// LastPing counts as zero.
func (c Contract) Elapsed(now Tick) Tick {
	if now < c.LastPing {
		return 0
	}
	return now - c.LastPing
}

// Status is Active for now in [LastPing, LastPing+Delay) and Expired after.
func (c Contract) Status(now Tick) Status {
	if c.Elapsed(now) < c.Delay {
		return StatusActive
	}
	return StatusExpired
}

// ExpiresAt is the first tick at which the switch is Expired.
func (c Contract) ExpiresAt() Tick {
	if c.LastPing > math.MaxUint64-c.Delay {
		return math.MaxUint64
	}
	return c.LastPing + c.Delay
}

// Remaining returns how many ticks the switch stays Active, zero once expired
func (c Contract) Remaining(now Tick) Tick {
	elapsed := c.Elapsed(now)
	if elapsed >= c.Delay {
		return 0
	}
	return c.Delay - elapsed
}
