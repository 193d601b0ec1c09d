package crypto

import (
	"crypto/ed25519"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

type Ed25519Verifier struct{}

func NewVerifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

// VerifySignature checks a plain ed25519 signature. Keys that are not a
// valid curve point never verify.
func (v *Ed25519Verifier) VerifySignature(identity, message, signature []byte) bool {
	// 1. The key must be a canonical point
	if err := checkPoint(identity); err != nil {
		return false
	}
	// 2. Signatures are R || S, 64 bytes
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	// 3. Actual verification
	return ed25519.Verify(ed25519.PublicKey(identity), message, signature)
}

// RequestDigest is what a client signs: the BLAKE2b-256 hash of
// METHOD\nPATH\nTIMESTAMP\nNONCE\nBODY. The nonce makes two otherwise
// identical requests sign differently.
func RequestDigest(method, path string, timestamp int64, nonce string, body []byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'\n'})
	h.Write([]byte(nonce))
	h.Write([]byte{'\n'})
	h.Write(body)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignRequest signs the request digest with priv.
func SignRequest(priv ed25519.PrivateKey, method, path string, timestamp int64, nonce string, body []byte) []byte {
	digest := RequestDigest(method, path, timestamp, nonce, body)
	return ed25519.Sign(priv, digest[:])
}

// VerifyRequest checks a request signature made by SignRequest.
func VerifyRequest(v Verifier, identity []byte, method, path string, timestamp int64, nonce string, body, signature []byte) error {
	digest := RequestDigest(method, path, timestamp, nonce, body)
	if !v.VerifySignature(identity, digest[:], signature) {
		return ErrInvalidSig
	}
	return nil
}
