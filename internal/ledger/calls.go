package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"dead-mans-switch/internal/core"
)

// Balance is an amount of the native token.
type Balance uint64

// Call is an unsigned ledger call. The set of variants is closed: only types
// in this package implement it.
type Call interface {
	Module() string
	Method() string
	isCall()
}

// BalanceCall is a Call handled by the balances module.
type BalanceCall interface {
	Call
	isBalanceCall()
}

// Transfer moves Value from the sender to Dest (balances.transfer).
type Transfer struct {
	Dest  core.Identity `json:"dest"`
	Value Balance       `json:"value"`
}

func (Transfer) Module() string { return ModuleBalances }
func (Transfer) Method() string { return "transfer" }
func (Transfer) isCall()        {}
func (Transfer) isBalanceCall() {}

// SetBalance overwrites the free balance of Who. Root origin only.
type SetBalance struct {
	Who  core.Identity `json:"who"`
	Free Balance       `json:"free"`
}

func (SetBalance) Module() string { return ModuleBalances }
func (SetBalance) Method() string { return "set_balance" }
func (SetBalance) isCall()        {}
func (SetBalance) isBalanceCall() {}

// Remark stores nothing and moves nothing (system.remark).
type Remark struct {
	Data []byte `json:"data"`
}

func (Remark) Module() string { return ModuleSystem }
func (Remark) Method() string { return "remark" }
func (Remark) isCall()        {}

const (
	ModuleBalances = "balances"
	ModuleSystem   = "system"
)

var ErrUnknownCall = errors.New("unknown call")

// DecodeCall maps a module/method pair and its JSON arguments to a Call.
func DecodeCall(module, method string, args json.RawMessage) (Call, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var (
		call Call
		err  error
	)
	switch module + "." + method {
	case "balances.transfer":
		var c Transfer
		err = strictUnmarshal(args, &c)
		call = c
	case "balances.set_balance":
		var c SetBalance
		err = strictUnmarshal(args, &c)
		call = c
	case "system.remark":
		var c Remark
		err = strictUnmarshal(args, &c)
		call = c
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCall, module, method)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s.%s args: %w", module, method, err)
	}
	return call, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
