package deadman

import (
	"errors"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/ledger"
)

var ledgerErrors = []error{
	ledger.ErrInsufficientBalance,
	ledger.ErrZeroTransfer,
	ledger.ErrBadOrigin,
	ledger.ErrOverflow,
	ledger.ErrUnknownCall,
}

// Code is the stable name of an error returned by the Service, used in API
// responses and metric attributes. Unknown errors are INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, core.ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, core.ErrNoContract):
		return "NO_CONTRACT"
	case errors.Is(err, core.ErrSelfDelegation):
		return "SELF_DELEGATION"
	case errors.Is(err, core.ErrSameBeneficiary):
		return "SAME_BENEFICIARY"
	case errors.Is(err, core.ErrDelayOutOfRange):
		return "DELAY_OUT_OF_RANGE"
	case errors.Is(err, core.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, core.ErrSwitchNotExpired):
		return "SWITCH_NOT_EXPIRED"
	case errors.Is(err, core.ErrUnsupportedCall):
		return "UNSUPPORTED_CALL"
	case IsLedgerError(err):
		return "LEDGER_ERROR"
	}
	return "INTERNAL"
}

// IsLedgerError reports whether err came from the ledger engine.
func IsLedgerError(err error) bool {
	for _, target := range ledgerErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
