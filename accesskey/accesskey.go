// Package accesskey implements the access-key registry (spec §4.3, C3):
// authorize/revoke of delegated keys, per-token and per-currency spending
// limit enforcement, and the transient per-transaction signer slot that
// gates the root-only operations. Storage layout follows the same
// keccak-addressed-slot idiom as other_examples' aa_executor.go, scoped to
// the registry precompile's own account rather than the caller's.
package accesskey

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/sig"
)

// Sentinel errors grouped under the spec §7 "Auth" kind.
var (
	ErrNotRoot               = errors.New("accesskey: operation requires the root key, not a delegated key")
	ErrKeyAlreadyActive      = errors.New("accesskey: key_id already active")
	ErrKeyPreviouslyRevoked  = errors.New("accesskey: key_id was previously revoked, no re-authorization")
	ErrKeyUnknown            = errors.New("accesskey: unknown key_id")
	ErrKeyRevoked            = errors.New("accesskey: key_id has been revoked")
	ErrKeyExpired            = errors.New("accesskey: key_id has expired")
	ErrSpendingLimitExceeded = errors.New("accesskey: spending limit exceeded")
)

// TxSigner is the transient per-transaction signer slot (spec §4.3, §9): the
// execution driver writes it once per transaction before dispatching
// execution, and every root-gated registry call reads it. It is not ambient
// global state — it is passed by value into each call that needs it and is
// never stored, so nothing of it outlives the transaction.
type TxSigner struct {
	Owner common.Address // the account the transaction authenticated as
	KeyID common.Address // zero iff Owner signed with its own root key
}

// IsRoot reports whether the current transaction was authenticated by the
// account's own root key rather than a delegated access key.
func (s TxSigner) IsRoot() bool {
	return s.KeyID == (common.Address{})
}

// Record is the logical access-key tuple of spec §3 "Access key".
type Record struct {
	Algo           sig.Algo
	Expiry         uint64
	EnforceLimits  bool
	Revoked        bool
	TokenLimits    map[common.Address]*big.Int
	CurrencyLimits map[common.Hash]*big.Int
}

// Registry is the access-key store, backed by the chain state database.
type Registry struct {
	db gethvm.StateDB
}

// New returns an access-key registry backed by db.
func New(db gethvm.StateDB) *Registry {
	return &Registry{db: db}
}

func baseSlot(owner, keyID common.Address, field string) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), keyID.Bytes(), []byte(field))
}

func limitSlot(owner, keyID common.Address, field string, limitKey common.Hash) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), keyID.Bytes(), []byte(field), limitKey.Bytes())
}

func (r *Registry) getFlag(addr common.Address, slot common.Hash) bool {
	return r.db.GetState(addr, slot) != (common.Hash{})
}

func (r *Registry) setFlag(addr common.Address, slot common.Hash, v bool) {
	var h common.Hash
	if v {
		h[31] = 1
	}
	r.db.SetState(addr, slot, h)
}

func (r *Registry) getUint64(addr common.Address, slot common.Hash) uint64 {
	return new(big.Int).SetBytes(r.db.GetState(addr, slot).Bytes()).Uint64()
}

func (r *Registry) setUint64(addr common.Address, slot common.Hash, v uint64) {
	var h common.Hash
	new(big.Int).SetUint64(v).FillBytes(h[:])
	r.db.SetState(addr, slot, h)
}

func (r *Registry) getBig(addr common.Address, slot common.Hash) *big.Int {
	return new(big.Int).SetBytes(r.db.GetState(addr, slot).Bytes())
}

func (r *Registry) setBig(addr common.Address, slot common.Hash, v *big.Int) {
	var h common.Hash
	v.FillBytes(h[:])
	r.db.SetState(addr, slot, h)
}

// Authorize creates a new delegated key under owner (spec §4.3). Must be
// called with signer.Owner == owner and signer.IsRoot() == true. Rejects if
// key_id is already active, or was ever revoked before (no re-authorization,
// preventing replay of an expired/compromised key — spec §8 property 7).
func (r *Registry) Authorize(owner, keyID common.Address, algo sig.Algo, expiry uint64, enforceLimits bool,
	tokenLimits map[common.Address]*big.Int, currencyLimits map[common.Hash]*big.Int, signer TxSigner) error {

	if signer.Owner != owner || !signer.IsRoot() {
		return ErrNotRoot
	}

	reg := chainparams.AccessKeyRegistryAddress
	exists := r.getFlag(reg, baseSlot(owner, keyID, "exists"))
	revoked := r.getFlag(reg, baseSlot(owner, keyID, "revoked"))
	if revoked {
		return ErrKeyPreviouslyRevoked
	}
	if exists {
		return ErrKeyAlreadyActive
	}

	r.setFlag(reg, baseSlot(owner, keyID, "exists"), true)
	r.setUint64(reg, baseSlot(owner, keyID, "algo"), uint64(algo))
	r.setUint64(reg, baseSlot(owner, keyID, "expiry"), expiry)
	r.setFlag(reg, baseSlot(owner, keyID, "enforce"), enforceLimits)

	for token, remaining := range tokenLimits {
		r.setFlag(reg, limitSlot(owner, keyID, "tl_set", common.BytesToHash(token.Bytes())), true)
		r.setBig(reg, limitSlot(owner, keyID, "tl_val", common.BytesToHash(token.Bytes())), remaining)
	}
	for currency, remaining := range currencyLimits {
		r.setFlag(reg, limitSlot(owner, keyID, "cl_set", currency), true)
		r.setBig(reg, limitSlot(owner, keyID, "cl_val", currency), remaining)
	}

	log.Debug("accesskey: authorized", "owner", owner, "key_id", keyID, "algo", algo, "expiry", expiry, "enforce_limits", enforceLimits)
	return nil
}

// Revoke sets the revoked flag permanently (spec §4.3, §8 property 7).
func (r *Registry) Revoke(owner, keyID common.Address, signer TxSigner) error {
	if signer.Owner != owner || !signer.IsRoot() {
		return ErrNotRoot
	}
	reg := chainparams.AccessKeyRegistryAddress
	if !r.getFlag(reg, baseSlot(owner, keyID, "exists")) {
		return ErrKeyUnknown
	}
	r.setFlag(reg, baseSlot(owner, keyID, "revoked"), true)
	r.setFlag(reg, baseSlot(owner, keyID, "exists"), false)
	log.Debug("accesskey: revoked", "owner", owner, "key_id", keyID)
	return nil
}

// UpdateTokenLimit sets (or enables) the remaining token limit for key_id.
func (r *Registry) UpdateTokenLimit(owner, keyID, token common.Address, newAmount *big.Int, signer TxSigner) error {
	if signer.Owner != owner || !signer.IsRoot() {
		return ErrNotRoot
	}
	reg := chainparams.AccessKeyRegistryAddress
	if !r.getFlag(reg, baseSlot(owner, keyID, "exists")) {
		return ErrKeyUnknown
	}
	r.setFlag(reg, limitSlot(owner, keyID, "tl_set", common.BytesToHash(token.Bytes())), true)
	r.setBig(reg, limitSlot(owner, keyID, "tl_val", common.BytesToHash(token.Bytes())), newAmount)
	r.setFlag(reg, baseSlot(owner, keyID, "enforce"), true)
	log.Debug("accesskey: token limit updated", "owner", owner, "key_id", keyID, "token", token, "new_amount", newAmount)
	return nil
}

// UpdateCurrencyLimit sets (or enables) the remaining currency limit for key_id.
func (r *Registry) UpdateCurrencyLimit(owner, keyID common.Address, currency common.Hash, newAmount *big.Int, signer TxSigner) error {
	if signer.Owner != owner || !signer.IsRoot() {
		return ErrNotRoot
	}
	reg := chainparams.AccessKeyRegistryAddress
	if !r.getFlag(reg, baseSlot(owner, keyID, "exists")) {
		return ErrKeyUnknown
	}
	r.setFlag(reg, limitSlot(owner, keyID, "cl_set", currency), true)
	r.setBig(reg, limitSlot(owner, keyID, "cl_val", currency), newAmount)
	r.setFlag(reg, baseSlot(owner, keyID, "enforce"), true)
	log.Debug("accesskey: currency limit updated", "owner", owner, "key_id", keyID, "currency", currency, "new_amount", newAmount)
	return nil
}

// GetKey reads the active record for (owner, keyID), if any.
func (r *Registry) GetKey(owner, keyID common.Address) (algo sig.Algo, expiry uint64, enforceLimits, revoked bool, ok bool) {
	reg := chainparams.AccessKeyRegistryAddress
	revoked = r.getFlag(reg, baseSlot(owner, keyID, "revoked"))
	ok = r.getFlag(reg, baseSlot(owner, keyID, "exists"))
	if !ok && !revoked {
		return 0, 0, false, false, false
	}
	algo = sig.Algo(r.getUint64(reg, baseSlot(owner, keyID, "algo")))
	expiry = r.getUint64(reg, baseSlot(owner, keyID, "expiry"))
	enforceLimits = r.getFlag(reg, baseSlot(owner, keyID, "enforce"))
	return algo, expiry, enforceLimits, revoked, ok
}

// RemainingTokenLimit reports the remaining spend for (owner, keyID, token);
// hasLimit is false if the entry is unset (treated as unlimited).
func (r *Registry) RemainingTokenLimit(owner, keyID, token common.Address) (remaining *big.Int, hasLimit bool) {
	reg := chainparams.AccessKeyRegistryAddress
	set := r.getFlag(reg, limitSlot(owner, keyID, "tl_set", common.BytesToHash(token.Bytes())))
	if !set {
		return nil, false
	}
	return r.getBig(reg, limitSlot(owner, keyID, "tl_val", common.BytesToHash(token.Bytes()))), true
}

// RemainingCurrencyLimit reports the remaining spend for (owner, keyID, currency).
func (r *Registry) RemainingCurrencyLimit(owner, keyID common.Address, currency common.Hash) (remaining *big.Int, hasLimit bool) {
	reg := chainparams.AccessKeyRegistryAddress
	set := r.getFlag(reg, limitSlot(owner, keyID, "cl_set", currency))
	if !set {
		return nil, false
	}
	return r.getBig(reg, limitSlot(owner, keyID, "cl_val", currency)), true
}

// ValidateForSigning checks that keyID is usable as a signer at the given
// block timestamp: it must exist, not be revoked, and not have expired
// (spec §4.3, §7 "Auth" kind — unknown/expired/revoked access key).
func (r *Registry) ValidateForSigning(owner, keyID common.Address, blockTime uint64) error {
	algo, expiry, _, revoked, ok := r.GetKey(owner, keyID)
	_ = algo
	if revoked {
		return ErrKeyRevoked
	}
	if !ok {
		return ErrKeyUnknown
	}
	if expiry != 0 && blockTime >= expiry {
		return ErrKeyExpired
	}
	return nil
}

// Spend enforces the two-step spending-limit decrement of spec §4.3 for a
// TIP-20 transfer of amount signed by a delegated key with EnforceLimits
// set. currency is the keccak256 hash of the token's ISO-like currency
// code string (spec §4.3 step 2). A key with neither a token limit nor a
// currency limit set is unlimited and never fails; a key whose token limit
// is exhausted fails on the overflow unless a currency limit absorbs it.
func (r *Registry) Spend(owner, keyID, token common.Address, currency common.Hash, amount *big.Int) error {
	algo, _, enforceLimits, revoked, ok := r.GetKey(owner, keyID)
	_ = algo
	if !ok || revoked {
		return ErrKeyUnknown
	}
	if !enforceLimits {
		return nil
	}

	overflow := new(big.Int).Set(amount)
	var anyLimitConfigured bool

	if remaining, hasLimit := r.RemainingTokenLimit(owner, keyID, token); hasLimit {
		anyLimitConfigured = true
		if remaining.Cmp(overflow) >= 0 {
			remaining.Sub(remaining, overflow)
			r.setBig(chainparams.AccessKeyRegistryAddress, limitSlot(owner, keyID, "tl_val", common.BytesToHash(token.Bytes())), remaining)
			overflow.SetInt64(0)
		} else {
			overflow.Sub(overflow, remaining)
			r.setBig(chainparams.AccessKeyRegistryAddress, limitSlot(owner, keyID, "tl_val", common.BytesToHash(token.Bytes())), big.NewInt(0))
		}
	}

	if overflow.Sign() == 0 {
		log.Debug("accesskey: spend", "owner", owner, "key_id", keyID, "token", token, "amount", amount)
		return nil
	}

	if remaining, hasLimit := r.RemainingCurrencyLimit(owner, keyID, currency); hasLimit {
		anyLimitConfigured = true
		if remaining.Cmp(overflow) < 0 {
			return fmt.Errorf("%w: currency %s short by %s", ErrSpendingLimitExceeded, currency, new(big.Int).Sub(overflow, remaining))
		}
		remaining.Sub(remaining, overflow)
		r.setBig(chainparams.AccessKeyRegistryAddress, limitSlot(owner, keyID, "cl_val", currency), remaining)
		log.Debug("accesskey: spend", "owner", owner, "key_id", keyID, "token", token, "currency", currency, "amount", amount)
		return nil
	}

	// A token limit was present and is now exhausted, but there is no
	// currency limit to absorb the overflow: this is not the "no ceiling
	// configured at all" case of spec §4.3 step 3, it is a configured,
	// exhausted ceiling with nothing left to fall back to.
	if anyLimitConfigured {
		return fmt.Errorf("%w: token %s exhausted with no currency limit to absorb overflow %s", ErrSpendingLimitExceeded, token, overflow)
	}

	// No token limit and no currency limit set at all: unlimited under
	// EnforceLimits still means "no configured ceiling", per spec §4.3
	// step 3 ("missing entries are treated as unlimited").
	log.Debug("accesskey: spend (unlimited)", "owner", owner, "key_id", keyID, "token", token, "amount", amount)
	return nil
}
