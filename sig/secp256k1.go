package sig

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifySecp256k1 recovers the signer address from a 65-byte r‖s‖v signature
// over digest. Recovery goes through the decred secp256k1 library directly
// (rather than go-ethereum/crypto's libsecp256k1 cgo wrapper) so this path
// has no cgo dependency of its own; go-ethereum/crypto is still used for the
// Keccak256 signer-address derivation, matching every other component.
func VerifySecp256k1(digest [32]byte, sigBytes []byte) (common.Address, error) {
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("%w: secp256k1 signature must be 65 bytes, got %d", ErrBadSignature, len(sigBytes))
	}

	r := sigBytes[:32]
	s := sigBytes[32:64]
	v := sigBytes[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id %d", ErrBadSignature, sigBytes[64])
	}

	// decred's RecoverCompact expects the recovery byte first, offset by 27
	// (plus 4 if the original key was compressed — we always request the
	// uncompressed point below).
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:33], r)
	copy(compact[33:65], s)

	pubKey, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	pubBytes := pubKey.SerializeUncompressed()
	// SerializeUncompressed is 0x04‖X‖Y (65 bytes); the address hash is taken
	// over X‖Y only, same as go-ethereum's crypto.PubkeyToAddress.
	hash := crypto.Keccak256(pubBytes[1:])
	return common.BytesToAddress(hash[12:]), nil
}
