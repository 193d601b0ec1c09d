package core

import "errors"

// Errors returned by switch operations. Every one of them is raised before
// any state is touched.
var (
	ErrAlreadyExists    = errors.New("trustor already has a contract")
	ErrNoContract       = errors.New("no contract for trustor")
	ErrSelfDelegation   = errors.New("trustor cannot be their own beneficiary")
	ErrSameBeneficiary  = errors.New("beneficiary is already set to this account")
	ErrDelayOutOfRange  = errors.New("delay outside the permitted range")
	ErrUnauthorized     = errors.New("caller is not allowed to perform this operation")
	ErrSwitchNotExpired = errors.New("switch has not expired")
	ErrUnsupportedCall  = errors.New("call cannot be relayed")
)
