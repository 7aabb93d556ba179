// Package nonce implements the transaction core's nonce store (spec §4.2,
// C2): the single-dimensional protocol nonce plus the 2D nonce space keyed
// by (account, nonce_key). It is grounded on the slot-addressing idiom in
// other_examples' aa_executor.go (CheckNonce/IncrementNonce), generalized
// from a per-account storage slot to a registry-owned mapping so that a
// "cold" first touch of a (account, nonce_key>0) pair can be distinguished
// from a "warm" subsequent one via go-ethereum's access-list bookkeeping.
package nonce

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tempo-network/tempo-core/chainparams"
	tempotracing "github.com/tempo-network/tempo-core/tracing"
)

// CheckResult is the outcome of check_and_stage (spec §4.2).
type CheckResult int

const (
	Ok CheckResult = iota
	TooLow
	TooHigh
)

func (r CheckResult) String() string {
	switch r {
	case Ok:
		return "ok"
	case TooLow:
		return "too_low"
	case TooHigh:
		return "too_high"
	default:
		return "unknown"
	}
}

// ErrNonceTooLow/ErrNonceTooHigh are the sentinel errors surfaced to callers
// (spec §7 "Nonce" error kind); both reject the transaction pre-inclusion.
var (
	ErrNonceTooLow  = errors.New("nonce: declared nonce already used")
	ErrNonceTooHigh = errors.New("nonce: declared nonce leaves a gap")
)

// Store is the nonce registry. nonce_key == 0 maps to the account's native
// protocol nonce; nonce_key > 0 is tracked in the 2D-nonce precompile's
// storage, keyed by keccak256(account ‖ nonce_key).
type Store struct {
	db gethvm.StateDB
}

// New returns a nonce store backed by db.
func New(db gethvm.StateDB) *Store {
	return &Store{db: db}
}

func slot(account common.Address, nonceKey uint64) common.Hash {
	var keyBytes [8]byte
	binary.BigEndian.PutUint64(keyBytes[:], nonceKey)
	return crypto.Keccak256Hash(account.Bytes(), keyBytes[:])
}

// Current returns the counter for (account, nonceKey).
func (s *Store) Current(account common.Address, nonceKey uint64) uint64 {
	if nonceKey == 0 {
		return s.db.GetNonce(account)
	}
	val := s.db.GetState(chainparams.NonceStoreAddress, slot(account, nonceKey))
	return new(big.Int).SetBytes(val[:]).Uint64()
}

// IsCold reports whether this is the first touch of (account, nonceKey>0)
// in the current access-list scope (spec §4.2 cold/warm surcharge). For
// nonceKey == 0 it always reports false: the protocol nonce is touched by
// every transaction from the account regardless of nonce space, and
// GasCost charges it no surcharge at all.
func (s *Store) IsCold(account common.Address, nonceKey uint64) bool {
	if nonceKey == 0 {
		return false
	}
	_, slotWarm := s.db.SlotInAccessList(chainparams.NonceStoreAddress, slot(account, nonceKey))
	return !slotWarm
}

// Touch marks (account, nonceKey>0) as warm for subsequent accesses in this
// transaction/block scope, mirroring EIP-2929 access-list bookkeeping.
func (s *Store) Touch(account common.Address, nonceKey uint64) {
	if nonceKey == 0 {
		return
	}
	s.db.AddSlotToAccessList(chainparams.NonceStoreAddress, slot(account, nonceKey))
}

// GasCost returns the gas surcharge for touching (account, nonceKey) for the
// first time this scope, per spec §4.2.
func (s *Store) GasCost(account common.Address, nonceKey uint64) uint64 {
	if nonceKey == 0 {
		return 0
	}
	if s.IsCold(account, nonceKey) {
		return chainparams.NonceKeyColdGas
	}
	return chainparams.NonceKeyWarmGas
}

// CheckAndStage validates declared against the current counter. It does not
// change the counter (on success it only marks a nonceKey>0 slot warm via
// Touch): the driver must call Advance separately once the transaction
// is admitted (spec: "staging is rolled back if the transaction is not
// admitted" — here that simply means Advance is never called).
func (s *Store) CheckAndStage(account common.Address, nonceKey uint64, declared uint64) (CheckResult, error) {
	current := s.Current(account, nonceKey)
	switch {
	case declared < current:
		return TooLow, ErrNonceTooLow
	case declared > current:
		return TooHigh, ErrNonceTooHigh
	default:
		s.Touch(account, nonceKey)
		return Ok, nil
	}
}

// Advance increments the counter for (account, nonceKey) by exactly one.
// Called exactly once per included transaction (spec §4.2 contract),
// regardless of whether the inner EVM execution reverts.
func (s *Store) Advance(account common.Address, nonceKey uint64, reason tempotracing.NonceChangeReason) {
	if nonceKey == 0 {
		next := s.db.GetNonce(account) + 1
		s.db.SetNonce(account, next, tracing.NonceChangeEoACall)
		log.Debug("nonce: protocol advance", "account", account, "next", next, "reason", reason)
		return
	}
	current := s.Current(account, nonceKey)
	next := current + 1
	var buf common.Hash
	new(big.Int).SetUint64(next).FillBytes(buf[:])
	s.db.SetState(chainparams.NonceStoreAddress, slot(account, nonceKey), buf)
	log.Debug("nonce: 2D advance", "account", account, "nonce_key", nonceKey, "next", next, "reason", reason)
}

// ProtocolNonceSnapshot returns the protocol-nonce value as it stands right
// now, before any advance this transaction performs. The execution driver
// must capture this before calling Advance, and always use it (not the 2D
// counter) for CREATE address derivation (spec §4.2, §4.7, §9).
func (s *Store) ProtocolNonceSnapshot(account common.Address) uint64 {
	return s.db.GetNonce(account)
}
