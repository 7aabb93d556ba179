package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// webauthnClientData is the subset of WebAuthn's clientDataJSON this handler
// cares about: the embedded challenge, which must equal the expected digest.
type webauthnClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// ErrWebAuthnChallengeMismatch is returned when clientDataJSON's challenge
// does not match the expected digest.
var ErrWebAuthnChallengeMismatch = fmt.Errorf("%w: webauthn challenge mismatch", ErrBadSignature)

// VerifyWebAuthn verifies a WebAuthn-wrapped P-256 signature (spec §4.1).
//
// Wire layout (this repo's framing choice, since WebAuthn itself does not
// define one for concatenated byte strings):
//
//	uint16 authenticatorDataLen
//	uint16 clientDataJSONLen
//	authenticatorData
//	clientDataJSON
//	r (32) ‖ s (32) ‖ Qx (32) ‖ Qy (32)
//
// Verification: parse clientDataJSON, check its challenge equals digest
// (base64url, no padding, as produced by the browser), then verify a P-256
// signature over authenticatorData ‖ sha256(clientDataJSON).
func VerifyWebAuthn(digest [32]byte, sigBytes []byte) (common.Address, error) {
	const headerLen = 4
	const tailLen = 4 * p256CoordSize

	if len(sigBytes) < headerLen+tailLen {
		return common.Address{}, fmt.Errorf("%w: webauthn payload too short", ErrBadSignature)
	}

	authDataLen := int(binary.BigEndian.Uint16(sigBytes[0:2]))
	clientDataLen := int(binary.BigEndian.Uint16(sigBytes[2:4]))

	rest := sigBytes[headerLen:]
	if len(rest) != authDataLen+clientDataLen+tailLen {
		return common.Address{}, fmt.Errorf("%w: webauthn payload length mismatch", ErrBadSignature)
	}

	authenticatorData := rest[:authDataLen]
	clientDataJSON := rest[authDataLen : authDataLen+clientDataLen]
	tail := rest[authDataLen+clientDataLen:]

	var clientData webauthnClientData
	if err := json.Unmarshal(clientDataJSON, &clientData); err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed clientDataJSON: %v", ErrBadSignature, err)
	}

	challenge, err := base64.RawURLEncoding.DecodeString(clientData.Challenge)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed challenge encoding: %v", ErrBadSignature, err)
	}
	if !equalBytes(challenge, digest[:]) {
		return common.Address{}, ErrWebAuthnChallengeMismatch
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signedPayload := append(append([]byte{}, authenticatorData...), clientDataHash[:]...)
	signedDigest := sha256.Sum256(signedPayload)

	r := new(big.Int).SetBytes(tail[0:32])
	s := new(big.Int).SetBytes(tail[32:64])
	qx := new(big.Int).SetBytes(tail[64:96])
	qy := new(big.Int).SetBytes(tail[96:128])

	curve := elliptic.P256()
	if !curve.IsOnCurve(qx, qy) {
		return common.Address{}, fmt.Errorf("%w: webauthn public key not on curve", ErrBadSignature)
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: qx, Y: qy}
	if !ecdsa.Verify(pub, signedDigest[:], r, s) {
		return common.Address{}, fmt.Errorf("%w: webauthn signature verification failed", ErrBadSignature)
	}

	return p256SignerAddress(qx, qy), nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
