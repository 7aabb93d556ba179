package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// p256CoordSize is the byte width of a P-256 field element.
const p256CoordSize = 32

// VerifyP256 verifies a 129-byte r‖s‖Qx‖Qy signature over digest (spec §4.1).
// The leading byte is a reserved/compression flag this handler does not
// interpret beyond its presence; callers that only have the bare 128-byte
// r‖s‖Qx‖Qy are also accepted for convenience.
func VerifyP256(digest [32]byte, sigBytes []byte) (common.Address, error) {
	body := sigBytes
	switch len(sigBytes) {
	case 129:
		body = sigBytes[1:]
	case 4 * p256CoordSize:
		// already unprefixed
	default:
		return common.Address{}, fmt.Errorf("%w: p256 signature must be 128 or 129 bytes, got %d", ErrBadSignature, len(sigBytes))
	}

	r := new(big.Int).SetBytes(body[0:32])
	s := new(big.Int).SetBytes(body[32:64])
	qx := new(big.Int).SetBytes(body[64:96])
	qy := new(big.Int).SetBytes(body[96:128])

	curve := elliptic.P256()
	if !curve.IsOnCurve(qx, qy) {
		return common.Address{}, fmt.Errorf("%w: p256 public key not on curve", ErrBadSignature)
	}

	pub := &ecdsa.PublicKey{Curve: curve, X: qx, Y: qy}
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return common.Address{}, fmt.Errorf("%w: p256 signature verification failed", ErrBadSignature)
	}

	return p256SignerAddress(qx, qy), nil
}

// p256SignerAddress derives the canonical signer address for a P-256 public
// key the same way the secp256k1 path does: last 20 bytes of keccak(point).
func p256SignerAddress(qx, qy *big.Int) common.Address {
	var buf [2 * p256CoordSize]byte
	qx.FillBytes(buf[:p256CoordSize])
	qy.FillBytes(buf[p256CoordSize:])
	hash := crypto.Keccak256(buf[:])
	return common.BytesToAddress(hash[12:])
}
