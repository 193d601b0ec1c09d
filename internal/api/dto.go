package api

import (
	"encoding/json"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/deadman"
	"dead-mans-switch/internal/ledger"
)

// Data Transfer Objects, everything coming from the outside world

// The request to create a switch, the caller is the trustor
type CreateSwitchRequest struct {
	Beneficiary core.Identity `json:"beneficiary"`
	Delay       core.Tick     `json:"delay"`
}

type UpdateBeneficiaryRequest struct {
	Beneficiary core.Identity `json:"beneficiary"`
}

type UpdateDelayRequest struct {
	Delay core.Tick `json:"delay"`
}

// Call is a ledger call as sent over the wire
type Call struct {
	Module string          `json:"module"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// TransferCall builds the wire form of balances.transfer.
func TransferCall(dest core.Identity, value ledger.Balance) Call {
	args, _ := json.Marshal(ledger.Transfer{Dest: dest, Value: value})
	return Call{Module: ledger.ModuleBalances, Method: "transfer", Args: args}
}

// RelayRequest asks to act as Trustor, the caller must be its beneficiary
type RelayRequest struct {
	Trustor core.Identity `json:"trustor"`
	Call    Call          `json:"call"`
}

// Responses

type ContractResponse struct {
	RequestID string        `json:"request_id"`
	Trustor   core.Identity `json:"trustor"`
	Contract  core.Contract `json:"contract"`
}

type RevokeResponse struct {
	RequestID string        `json:"request_id"`
	Trustor   core.Identity `json:"trustor"`
	Revoked   bool          `json:"revoked"`
}

type RelayResponse struct {
	RequestID string        `json:"request_id"`
	Trustor   core.Identity `json:"trustor"`
	Call      string        `json:"call"`
	Tick      core.Tick     `json:"tick"`
}

type StatusResponse struct {
	RequestID string `json:"request_id"`
	deadman.SwitchStatus
}

type TrustorsResponse struct {
	RequestID   string          `json:"request_id"`
	Beneficiary core.Identity   `json:"beneficiary"`
	Trustors    []core.Identity `json:"trustors"`
}

type BalanceResponse struct {
	RequestID string         `json:"request_id"`
	Account   core.Identity  `json:"account"`
	Balance   ledger.Balance `json:"balance"`
}

type ChainResponse struct {
	RequestID string            `json:"request_id"`
	Tick      core.Tick         `json:"tick"`
	Policy    core.GlobalPolicy `json:"policy"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}
