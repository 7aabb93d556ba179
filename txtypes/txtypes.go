// Package txtypes implements the transaction decoder and validator (spec
// §4.6, C6): dispatch over the wire envelope byte for legacy, EIP-1559,
// EIP-7702, and the native Tempo (0x76) batch type, plus the structural
// validation rules shared across all four. Legacy/1559/7702 parsing is
// delegated entirely to go-ethereum's own core/types.Transaction, the same
// dependency the teacher already threads through its tx execution path;
// only the Tempo variant is this repo's own wire format.
package txtypes

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/tempo-network/tempo-core/chainparams"
)

// Kind tags which wire variant an Envelope carries (spec §3 "Transaction").
type Kind uint8

const (
	KindLegacy Kind = iota
	KindDynamicFee
	KindSetCode
	KindTempo
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindDynamicFee:
		return "dynamic_fee"
	case KindSetCode:
		return "set_code"
	case KindTempo:
		return "tempo"
	default:
		return "unknown"
	}
}

// Sentinel errors (spec §7 "Structural" kind — rejected pre-execution, no
// nonce consumed, no fee taken).
var (
	ErrEmptyEnvelope      = errors.New("txtypes: empty transaction envelope")
	ErrUnsupportedType    = errors.New("txtypes: unsupported transaction envelope type")
	ErrChainIDMismatch    = errors.New("txtypes: chain id does not match")
	ErrNotYetValid        = errors.New("txtypes: transaction not yet valid (valid_after)")
	ErrExpired            = errors.New("txtypes: transaction expired (valid_before)")
	ErrCreateMisplaced    = errors.New("txtypes: CREATE call must be first and at most once")
	ErrCreateWithAuthList = errors.New("txtypes: CREATE cannot be combined with a 7702 authorization list")
	ErrInitcodeTooLarge   = errors.New("txtypes: initcode exceeds the protocol maximum")
	ErrMaxFeeBelowBase    = errors.New("txtypes: max_fee_per_gas below base_fee")
)

// Call values are always and only 0 in this wire model (spec §3 "Call" —
// "Value is reserved to 0"): Call carries no Value field at all, so there is
// nothing for Validate to check here.

// Call is one step of a (possibly batched) transaction (spec §3 "Call").
// To nil means CREATE.
type Call struct {
	To   *common.Address `rlp:"nil"`
	Data []byte
}

// AccessKeyAuthorization is the optional in-transaction access-key grant a
// Tempo transaction may carry (spec §3, §4.3). Present distinguishes an
// absent authorization from the zero value, since RLP has no native
// nil-struct encoding for a non-trailing field.
type AccessKeyAuthorization struct {
	Present       bool
	KeyID         common.Address
	SigAlgo       uint8
	Expiry        uint64
	EnforceLimits bool
}

// TempoTx is the native batched transaction type (spec §3 "Tempo (0x76)").
type TempoTx struct {
	ChainID              *big.Int
	Nonce                uint64
	NonceKey             uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	FeeToken             common.Address
	FeePayerSig          []byte
	ValidAfter           uint64
	ValidBefore          uint64
	AccessKeyAuth        AccessKeyAuthorization
	SigAlgo              uint8
	Calls                []Call
	Signature            []byte
}

// Envelope normalizes every supported wire variant behind one structural
// view for C6's validation rules and C7's driver.
type Envelope struct {
	Kind  Kind
	Geth  *types.Transaction // set for KindLegacy/KindDynamicFee/KindSetCode
	Tempo *TempoTx           // set for KindTempo
}

// Decode parses raw wire bytes into an Envelope, dispatching on the leading
// type byte (spec §4.6). Legacy/1559/7702 delegate to go-ethereum's own
// typed-transaction-envelope decoder; chainparams.TempoTxType is this
// repo's own RLP-encoded payload.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyEnvelope
	}
	if raw[0] == chainparams.TempoTxType {
		var tx TempoTx
		if err := rlp.DecodeBytes(raw[1:], &tx); err != nil {
			return nil, fmt.Errorf("txtypes: decode tempo tx: %w", err)
		}
		return &Envelope{Kind: KindTempo, Tempo: &tx}, nil
	}

	var gt types.Transaction
	if err := gt.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("txtypes: decode: %w", err)
	}
	var kind Kind
	switch gt.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		kind = KindLegacy
	case types.DynamicFeeTxType:
		kind = KindDynamicFee
	case types.SetCodeTxType:
		kind = KindSetCode
	default:
		return nil, fmt.Errorf("%w: type 0x%x", ErrUnsupportedType, gt.Type())
	}
	return &Envelope{Kind: kind, Geth: &gt}, nil
}

// Calls returns the envelope's call sequence in the common Call shape,
// regardless of wire variant (single call for legacy/1559/7702, 1..N for
// Tempo).
func (e *Envelope) Calls() []Call {
	if e.Kind == KindTempo {
		return e.Tempo.Calls
	}
	return []Call{{To: e.Geth.To(), Data: e.Geth.Data()}}
}

// NonceKey returns the declared 2D nonce key (always 0 for non-Tempo
// variants, which only ever use the protocol nonce).
func (e *Envelope) NonceKey() uint64 {
	if e.Kind == KindTempo {
		return e.Tempo.NonceKey
	}
	return 0
}

// ChainID returns the envelope's declared chain id, or nil if absent
// (unprotected legacy transactions, treated as a wildcard match).
func (e *Envelope) ChainID() *big.Int {
	if e.Kind == KindTempo {
		return e.Tempo.ChainID
	}
	id := e.Geth.ChainId()
	if id == nil || id.Sign() == 0 {
		return nil
	}
	return id
}

// MaxFeePerGas returns the envelope's max_fee_per_gas, or nil for legacy
// transactions which have no EIP-1559 fee cap.
func (e *Envelope) MaxFeePerGas() *big.Int {
	if e.Kind == KindTempo {
		return e.Tempo.MaxFeePerGas
	}
	if e.Kind == KindLegacy {
		return nil
	}
	return e.Geth.GasFeeCap()
}

// AuthorizationListLen reports how many EIP-7702 authorization tuples this
// envelope carries (0 for every variant but KindSetCode).
func (e *Envelope) AuthorizationListLen() int {
	if e.Kind != KindSetCode {
		return 0
	}
	return len(e.Geth.SetCodeAuthorizations())
}

// ValidWindow returns the Tempo valid_after/valid_before bounds (both 0,
// i.e. unbounded, for every other variant).
func (e *Envelope) ValidWindow() (validAfter, validBefore uint64) {
	if e.Kind == KindTempo {
		return e.Tempo.ValidAfter, e.Tempo.ValidBefore
	}
	return 0, 0
}

// Nonce returns the envelope's declared counter value for its NonceKey.
func (e *Envelope) Nonce() uint64 {
	if e.Kind == KindTempo {
		return e.Tempo.Nonce
	}
	return e.Geth.Nonce()
}

// GasLimit returns the single gas_limit covering the whole call batch
// (spec §4.7 "Gas accounting").
func (e *Envelope) GasLimit() uint64 {
	if e.Kind == KindTempo {
		return e.Tempo.GasLimit
	}
	return e.Geth.Gas()
}

// MaxPriorityFeePerGas returns the envelope's tip cap, or nil for legacy
// transactions which have no EIP-1559 tip.
func (e *Envelope) MaxPriorityFeePerGas() *big.Int {
	if e.Kind == KindTempo {
		return e.Tempo.MaxPriorityFeePerGas
	}
	if e.Kind == KindLegacy {
		return nil
	}
	return e.Geth.GasTipCap()
}

// FeeToken returns the Tempo envelope's explicit fee_token, or the zero
// address for every other variant (no such field on the wire).
func (e *Envelope) FeeToken() common.Address {
	if e.Kind == KindTempo {
		return e.Tempo.FeeToken
	}
	return common.Address{}
}

// AccessKeyAuth returns the Tempo envelope's in-transaction access-key
// grant, or the zero value (Present == false) for every other variant.
func (e *Envelope) AccessKeyAuth() AccessKeyAuthorization {
	if e.Kind == KindTempo {
		return e.Tempo.AccessKeyAuth
	}
	return AccessKeyAuthorization{}
}

// SigAlgo returns the signature algorithm tag the primary Signature field
// uses (0 for non-Tempo variants, which carry their own embedded ECDSA
// signature recovered via go-ethereum's types.Sender instead).
func (e *Envelope) SigAlgo() uint8 {
	if e.Kind == KindTempo {
		return e.Tempo.SigAlgo
	}
	return 0
}

// Signature returns the Tempo envelope's primary signature bytes (signed by
// either the owner's root key or a delegated access key, per AccessKeyAuth).
func (e *Envelope) Signature() []byte {
	if e.Kind == KindTempo {
		return e.Tempo.Signature
	}
	return nil
}

// FeePayerSig returns the owner's authorization-and-fee-payment signature
// that accompanies a delegated-key Tempo transaction (spec §4.3, §4.7):
// when AccessKeyAuth.Present, Signature is made by the delegated key and
// FeePayerSig is made by the owner's own root key over the same digest,
// authorizing that key to act and to spend the owner's funds this tx.
func (e *Envelope) FeePayerSig() []byte {
	if e.Kind == KindTempo {
		return e.Tempo.FeePayerSig
	}
	return nil
}

// SigningHash returns the digest a Tempo envelope's Signature/FeePayerSig
// are made over: the keccak256 of its canonical RLP encoding with both
// signature fields zeroed, mirroring how go-ethereum's own typed
// transactions exclude their signature from their own signing hash.
func (e *Envelope) SigningHash() (common.Hash, error) {
	if e.Kind != KindTempo {
		return common.Hash{}, fmt.Errorf("txtypes: SigningHash is only defined for Tempo envelopes")
	}
	unsigned := *e.Tempo
	unsigned.Signature = nil
	unsigned.FeePayerSig = nil
	body, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		return common.Hash{}, fmt.Errorf("txtypes: encode signing payload: %w", err)
	}
	return crypto.Keccak256Hash(body), nil
}

// Validate enforces the structural rules of spec §4.6 against block
// context. A non-nil error means the transaction is rejected pre-execution:
// no nonce consumed, no fee taken.
func Validate(e *Envelope, chainID *big.Int, blockTime uint64, baseFee *big.Int) error {
	if declared := e.ChainID(); declared != nil {
		if chainID == nil || declared.Cmp(chainID) != 0 {
			return ErrChainIDMismatch
		}
	}

	validAfter, validBefore := e.ValidWindow()
	if validAfter > 0 && blockTime < validAfter {
		return ErrNotYetValid
	}
	if validBefore > 0 && blockTime >= validBefore {
		return ErrExpired
	}

	if maxFee := e.MaxFeePerGas(); maxFee != nil && baseFee != nil {
		if maxFee.Cmp(baseFee) < 0 {
			return ErrMaxFeeBelowBase
		}
	}

	calls := e.Calls()
	hasAuthList := e.AuthorizationListLen() > 0
	createSeen := false
	for i, call := range calls {
		if call.To != nil {
			continue
		}
		if i != 0 {
			return ErrCreateMisplaced
		}
		if createSeen {
			return ErrCreateMisplaced
		}
		createSeen = true
		if hasAuthList {
			return ErrCreateWithAuthList
		}
		if len(call.Data) > chainparams.MaxInitcodeSize {
			return ErrInitcodeTooLarge
		}
	}

	return nil
}
