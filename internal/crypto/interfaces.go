package crypto

import "errors"

var (
	ErrInvalidKey = errors.New("invalid identity key")
	ErrInvalidSig = errors.New("signature verification failed")
)

// Verifier describes what the server checks before it trusts a request
type Verifier interface {
	// VerifySignature checks that message was signed by the key behind
	// identity. Used on every mutating request.
	VerifySignature(identity []byte, message []byte, signature []byte) bool
}
