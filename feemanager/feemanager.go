// Package feemanager implements the fee manager (spec §4.5, C5): fee-token
// selection, max-fee pre-collection into protocol custody, per-block
// settlement through the fee AMM into each validator's preferred token, and
// refunds on successful execution. It is deliberately the only component
// that calls into both accesskey and feeamm/tip20 — the AMM itself never
// calls back into the manager (spec §9 "Cyclic references... broken by
// making the AMM a leaf capability").
package feemanager

import (
	"errors"
	"fmt"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/accesskey"
	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/feeamm"
	tempotracing "github.com/tempo-network/tempo-core/tracing"
	"github.com/tempo-network/tempo-core/tip20"
)

// Sentinel errors (spec §7 "Fee-admission" kind).
var (
	ErrInvalidFeeToken           = errors.New("feemanager: fee_token is not a valid TIP-20 contract")
	ErrInsufficientBalance       = errors.New("feemanager: fee payer has insufficient balance for max_fee")
	ErrUncollectedFeesPending    = errors.New("feemanager: validator has uncollected fees accrued this block")
	ErrProposerCannotChangeToken = errors.New("feemanager: validator cannot change preferred token while proposing this block")
)

// Settlement records one end-of-block conversion of accrued fees into a
// validator's preferred token (spec §4.5 "Per-block settlement").
type Settlement struct {
	Validator common.Address
	TokenIn   common.Address
	AmountIn  *big.Int
	TokenOut  common.Address
	AmountOut *big.Int
}

type accrualKey struct {
	validator common.Address
	token     common.Address
}

// Manager is the fee manager, backed by chain state and the fee AMM for
// settlement swaps.
type Manager struct {
	db  gethvm.StateDB
	amm *feeamm.Registry

	// touched tracks which (validator, token) accrual pairs have a nonzero
	// balance pending settlement this block; it is block-scoped bookkeeping,
	// reset by EndOfBlock, mirroring how the execution driver's EIP-2929
	// access list and fee accrual are both block-scoped and never persisted
	// across a block boundary.
	touched mapset.Set[accrualKey]
}

// New returns a fee manager backed by db, settling through amm.
func New(db gethvm.StateDB, amm *feeamm.Registry) *Manager {
	return &Manager{db: db, amm: amm, touched: mapset.NewThreadUnsafeSet[accrualKey]()}
}

func (m *Manager) slot(field string, parts ...[]byte) common.Hash {
	args := make([][]byte, 0, len(parts)+1)
	args = append(args, []byte(field))
	args = append(args, parts...)
	return crypto.Keccak256Hash(args...)
}

func (m *Manager) getAddress(slot common.Hash) (common.Address, bool) {
	h := m.db.GetState(chainparams.FeeManagerAddress, slot)
	if h == (common.Hash{}) {
		return common.Address{}, false
	}
	return common.BytesToAddress(h.Bytes()), true
}

func (m *Manager) setAddress(slot common.Hash, addr common.Address) {
	m.db.SetState(chainparams.FeeManagerAddress, slot, common.BytesToHash(addr.Bytes()))
}

func (m *Manager) getBig(slot common.Hash) *big.Int {
	return new(big.Int).SetBytes(m.db.GetState(chainparams.FeeManagerAddress, slot).Bytes())
}

func (m *Manager) setBig(slot common.Hash, v *big.Int) {
	var h common.Hash
	v.FillBytes(h[:])
	m.db.SetState(chainparams.FeeManagerAddress, slot, h)
}

// DetermineFeeToken applies the effective-fee-token cascade of spec §4.5:
// explicit fee_token, else a prior set_user_token for the tx's account,
// else the call target if it is itself a TIP-20 contract, else the
// protocol default.
func (m *Manager) DetermineFeeToken(explicitFeeToken, account, callTarget common.Address) (common.Address, error) {
	if explicitFeeToken != (common.Address{}) {
		if !chainparams.IsTIP20Address(explicitFeeToken) {
			return common.Address{}, ErrInvalidFeeToken
		}
		return explicitFeeToken, nil
	}
	if token, ok := m.GetUserToken(account); ok {
		return token, nil
	}
	if chainparams.IsTIP20Address(callTarget) {
		return callTarget, nil
	}
	return chainparams.DefaultFeeToken, nil
}

// SetUserToken records account's default fee token for future transactions
// that specify no explicit fee_token (spec §4.5 step 2).
func (m *Manager) SetUserToken(account, token common.Address) error {
	if !chainparams.IsTIP20Address(token) {
		return ErrInvalidFeeToken
	}
	m.setAddress(m.slot("user_token", account.Bytes()), token)
	return nil
}

// GetUserToken reads account's previously-set default fee token, if any.
func (m *Manager) GetUserToken(account common.Address) (common.Address, bool) {
	return m.getAddress(m.slot("user_token", account.Bytes()))
}

// GetValidatorPreference reads validator's preferred settlement token,
// defaulting to the protocol default stablecoin if never set.
func (m *Manager) GetValidatorPreference(validator common.Address) common.Address {
	if token, ok := m.getAddress(m.slot("validator_token", validator.Bytes())); ok {
		return token
	}
	return chainparams.DefaultFeeToken
}

// SetValidatorToken changes validator's preferred settlement token, subject
// to the two guards of spec §4.5: no uncollected fees accrued this block,
// and the validator may not be this block's proposer while changing it.
func (m *Manager) SetValidatorToken(validator, token common.Address, isProposerThisBlock bool) error {
	if !chainparams.IsTIP20Address(token) {
		return ErrInvalidFeeToken
	}
	if isProposerThisBlock {
		return ErrProposerCannotChangeToken
	}
	for key := range m.touched.Iter() {
		if key.validator == validator && m.getBig(m.accrualSlot(key.validator, key.token)).Sign() > 0 {
			return ErrUncollectedFeesPending
		}
	}
	m.setAddress(m.slot("validator_token", validator.Bytes()), token)
	return nil
}

func (m *Manager) accrualSlot(validator, token common.Address) common.Hash {
	return m.slot("accrued", validator.Bytes(), token.Bytes())
}

// PreCollect transfers max_fee of the effective fee token from feePayer
// into protocol custody and records the amount as accrued to validator
// (spec §4.5 "Pre-collection"). Fails InsufficientBalance, pre-execution,
// with no state change beyond the check itself.
func (m *Manager) PreCollect(feePayer, token common.Address, maxFee *big.Int, validator common.Address) error {
	tok := tip20.New(m.db, token)
	if tok.BalanceOf(feePayer).Cmp(maxFee) < 0 {
		return ErrInsufficientBalance
	}
	if err := tok.Transfer(feePayer, chainparams.FeeManagerAddress, maxFee,
		accesskey.TxSigner{Owner: feePayer}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}

	key := accrualKey{validator: validator, token: token}
	total := new(big.Int).Add(m.getBig(m.accrualSlot(validator, token)), maxFee)
	m.setBig(m.accrualSlot(validator, token), total)
	m.touched.Add(key)

	log.Debug("feemanager: pre-collect", "fee_payer", feePayer, "token", token, "max_fee", maxFee, "validator", validator,
		"reason", tempotracing.BalanceChangeFeePreCollect.String())
	return nil
}

// Refund returns the unused portion of max_fee to feePayer on a successful
// transaction (spec §4.5 "Refund").
func (m *Manager) Refund(feePayer, token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	tok := tip20.New(m.db, token)
	if err := tok.Transfer(chainparams.FeeManagerAddress, feePayer, amount,
		accesskey.TxSigner{Owner: chainparams.FeeManagerAddress}, nil); err != nil {
		return err
	}
	log.Debug("feemanager: refund", "fee_payer", feePayer, "token", token, "amount", amount,
		"reason", tempotracing.BalanceChangeFeeRefund.String())
	return nil
}

// EndOfBlock settles every validator's accrued fees into their preferred
// token via the fee AMM and transfers the result out of custody (spec
// §4.5 "Per-block settlement"). Any failure here is fatal per spec §4.7 —
// the special end-of-block transaction MUST NOT revert — so the driver is
// expected to treat a non-nil error as a protocol-design invariant breach.
func (m *Manager) EndOfBlock() ([]Settlement, error) {
	var settlements []Settlement
	keys := m.touched.ToSlice()

	for _, key := range keys {
		amount := m.getBig(m.accrualSlot(key.validator, key.token))
		if amount.Sign() == 0 {
			continue
		}
		preferred := m.GetValidatorPreference(key.validator)

		if key.token == preferred {
			tok := tip20.New(m.db, key.token)
			if err := tok.Transfer(chainparams.FeeManagerAddress, key.validator, amount,
				accesskey.TxSigner{Owner: chainparams.FeeManagerAddress}, nil); err != nil {
				return nil, fmt.Errorf("feemanager: settle %s: %w", key.validator, err)
			}
			settlements = append(settlements, Settlement{Validator: key.validator, TokenIn: key.token, AmountIn: amount, TokenOut: preferred, AmountOut: amount})
		} else {
			amountIn := new(uint256.Int)
			if overflow := amountIn.SetFromBig(amount); overflow {
				return nil, fmt.Errorf("feemanager: accrued amount overflows uint256 for %s", key.validator)
			}
			out, err := m.amm.SwapExactIn(key.token, preferred, amountIn, uint256.NewInt(0))
			if err != nil {
				return nil, fmt.Errorf("feemanager: settle %s: %w", key.validator, err)
			}
			outBig := out.ToBig()
			tok := tip20.New(m.db, preferred)
			if err := tok.Transfer(chainparams.FeeManagerAddress, key.validator, outBig,
				accesskey.TxSigner{Owner: chainparams.FeeManagerAddress}, nil); err != nil {
				return nil, fmt.Errorf("feemanager: settle %s: %w", key.validator, err)
			}
			settlements = append(settlements, Settlement{Validator: key.validator, TokenIn: key.token, AmountIn: amount, TokenOut: preferred, AmountOut: outBig})
		}

		m.setBig(m.accrualSlot(key.validator, key.token), big.NewInt(0))
		m.touched.Remove(key)
		log.Debug("feemanager: settled", "validator", key.validator, "token_in", key.token,
			"reason", tempotracing.BalanceChangeFeeSettle.String())
	}

	return settlements, nil
}
