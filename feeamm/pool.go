// Package feeamm implements the constant-product fee AMM (spec §4.4, C4):
// pool creation, liquidity provision, and fee-bearing swaps used internally
// to convert a user's fee payment token into the block proposer's preferred
// token. Reserve math is grounded on holiman/uint256 (already in the
// teacher's go.mod, exercised there for balances in revm_bridge/statedb.go
// and tests/block_commit_test.go) instead of math/big, matching how the
// rest of the go-ethereum-family stack represents 256-bit EVM words.
package feeamm

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/chainparams"
)

func crypto256(a, b common.Address) common.Hash {
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}

// Sentinel errors (spec §7 "Fee-admission" kind).
var (
	ErrInsufficientLiquidity = errors.New("feeamm: swap would drain pool below minimum liquidity")
	ErrPoolExists            = errors.New("feeamm: pool already exists")
	ErrPoolNotFound          = errors.New("feeamm: pool not found")
	ErrIdenticalTokens       = errors.New("feeamm: token_a and token_b must differ")
	ErrSlippage              = errors.New("feeamm: swap output below min_out / input above max_in")
	ErrZeroAmount            = errors.New("feeamm: amount must be positive")
)

// PoolID is the unordered pair identifier pool_id = H(sorted(a,b)) (spec §3).
type PoolID common.Hash

// poolID derives the canonical identifier for an unordered token pair, and
// returns the tokens in their canonical (sorted) order so callers always
// address reserve_a/reserve_b consistently regardless of call-site order.
func poolID(tokenA, tokenB common.Address) (id PoolID, a, b common.Address) {
	a, b = tokenA, tokenB
	if bytesGreater(a.Bytes(), b.Bytes()) {
		a, b = b, a
	}
	h := crypto256(a, b)
	return PoolID(h), a, b
}

func bytesGreater(x, y []byte) bool {
	for i := range x {
		if x[i] != y[i] {
			return x[i] > y[i]
		}
	}
	return false
}

// Pool is the persisted reserve state for one token pair (spec §3 "Pool").
type Pool struct {
	ID       PoolID
	TokenA   common.Address
	TokenB   common.Address
	ReserveA *uint256.Int
	ReserveB *uint256.Int
	TotalLP  *uint256.Int
}

// product returns reserve_a * reserve_b, the constant-product invariant
// quantity checked after every admitted swap (spec §4.4, §8 property 6).
func (p *Pool) product() *uint256.Int {
	return new(uint256.Int).Mul(p.ReserveA, p.ReserveB)
}

// quoteOut computes the constant-product output for swapping amountIn of
// tokenIn into the other side of the pool, net of the protocol swap fee
// (spec §4.4 swap_exact_in). Floors the result per the spec's general
// rounding policy of never increasing the amount released to the caller.
func quoteOut(reserveIn, reserveOut, amountIn *uint256.Int) *uint256.Int {
	feeAdj := new(uint256.Int).Sub(chainparams.SwapFeeDenominatorU256(), chainparams.SwapFeeNumeratorU256())
	amountInWithFee := new(uint256.Int).Mul(amountIn, feeAdj)

	numerator := new(uint256.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(uint256.Int).Add(new(uint256.Int).Mul(reserveIn, chainparams.SwapFeeDenominatorU256()), amountInWithFee)
	return new(uint256.Int).Div(numerator, denominator)
}

// quoteIn computes the amount of tokenIn required to receive exactly
// amountOut of the other side (spec §4.4 swap_exact_out), ceiling the
// result so the reserve product never decreases (spec's floor-released /
// ceil-required rounding rule).
func quoteIn(reserveIn, reserveOut, amountOut *uint256.Int) *uint256.Int {
	feeAdj := new(uint256.Int).Sub(chainparams.SwapFeeDenominatorU256(), chainparams.SwapFeeNumeratorU256())

	numerator := new(uint256.Int).Mul(new(uint256.Int).Mul(reserveIn, amountOut), chainparams.SwapFeeDenominatorU256())
	denominator := new(uint256.Int).Mul(new(uint256.Int).Sub(reserveOut, amountOut), feeAdj)

	quotient, rem := new(uint256.Int).DivMod(numerator, denominator, new(uint256.Int))
	if !rem.IsZero() {
		quotient.AddUint64(quotient, 1) // ceiling
	}
	return quotient
}
