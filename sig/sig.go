// Package sig recovers a verified signer address from one of the three
// signature layouts the transaction core accepts: secp256k1, P-256, and
// WebAuthn-wrapped P-256. No gas is charged here; the execution driver
// accounts for the published per-algorithm cost (see chainparams).
package sig

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Algo tags which of the three supported layouts a signature uses.
type Algo uint8

const (
	Secp256k1 Algo = iota
	P256
	WebAuthnP256
)

func (a Algo) String() string {
	switch a {
	case Secp256k1:
		return "secp256k1"
	case P256:
		return "p256"
	case WebAuthnP256:
		return "webauthn_p256"
	default:
		return "unknown"
	}
}

// ErrBadSignature is returned whenever recovery or verification fails for
// any of the three algorithms, matching spec's "Auth: bad signature" kind.
var ErrBadSignature = errors.New("sig: bad signature")

// Verify dispatches to the per-algorithm verifier and returns the recovered
// signer address. digest is the 32-byte message hash the signature was made
// over; for WebAuthn it is the expected challenge hash embedded in
// clientDataJSON, not the signed payload itself (see VerifyWebAuthn).
func Verify(algo Algo, digest [32]byte, sigBytes []byte) (common.Address, error) {
	switch algo {
	case Secp256k1:
		return VerifySecp256k1(digest, sigBytes)
	case P256:
		return VerifyP256(digest, sigBytes)
	case WebAuthnP256:
		return VerifyWebAuthn(digest, sigBytes)
	default:
		return common.Address{}, fmt.Errorf("%w: unknown algo %d", ErrBadSignature, algo)
	}
}
