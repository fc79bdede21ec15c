package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Verifier authenticates inbound IPN callbacks against the shared secret
// the gateway signs them with
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier using the given IPN secret. An empty
// secret is allowed at construction; verification will then fail with
// ErrUnconfigured so the webhook endpoint can answer 500 instead of
// silently accepting.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
	}
}

// VerifyIPN computes HMAC-SHA512 over the exact bytes received and compares
// it with the hex signature from the callback header.
// raw must be the unparsed request body: re-serializing JSON can change the
// bytes (e.g. float formatting) and reject legitimate callbacks.
func (v *Verifier) VerifyIPN(raw []byte, signature string) error {
	if len(v.secret) == 0 {
		return ErrUnconfigured
	}
	if len(signature) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(raw)
	computed := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(computed), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the hex HMAC-SHA512 signature for a body. Used by tests
// and by the reconcile path when replaying stored payloads.
func (v *Verifier) Sign(raw []byte) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrUnconfigured
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
