package feeamm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/chainparams"
	tempotracing "github.com/tempo-network/tempo-core/tracing"
)

// poolCacheSize bounds the LRU in front of the pool registry (spec §5: "the
// pool registry is the single mutable resource contended across
// transactions"); a hot cache avoids re-reading the same reserves from the
// state trie for every swap inside one block.
const poolCacheSize = 1024

// Registry is the fee AMM's pool store, backed by chain state and fronted
// by a bounded LRU read cache. Writes always go through to the state
// database (so EVM-level Snapshot/RevertToSnapshot still covers them); the
// cache is invalidated on every write, mirroring the teacher's
// revm_bridge/statedb.go pendingBasic/pendingStorage pattern of always
// reconciling a fast-path cache against the authoritative store before
// returning a result.
type Registry struct {
	db    gethvm.StateDB
	cache *lru.Cache[PoolID, *Pool]
}

// New returns a fee AMM registry backed by db.
func New(db gethvm.StateDB) *Registry {
	cache, err := lru.New[PoolID, *Pool](poolCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which poolCacheSize
		// never is; panicking here would be a programmer error, not a
		// reachable runtime condition.
		panic(fmt.Sprintf("feeamm: lru.New: %v", err))
	}
	return &Registry{db: db, cache: cache}
}

func (r *Registry) slot(id PoolID, field string) common.Hash {
	return crypto.Keccak256Hash(id[:], []byte(field))
}

func (r *Registry) readU256(addr common.Address, slot common.Hash) *uint256.Int {
	h := r.db.GetState(addr, slot)
	return new(uint256.Int).SetBytes(h[:])
}

func (r *Registry) writeU256(addr common.Address, slot common.Hash, v *uint256.Int) {
	b := v.Bytes32()
	r.db.SetState(addr, slot, common.Hash(b))
}

// GetPool loads a pool by its two tokens, consulting the cache first.
func (r *Registry) GetPool(tokenA, tokenB common.Address) (*Pool, error) {
	id, a, b := poolID(tokenA, tokenB)
	if p, ok := r.cache.Get(id); ok {
		return p, nil
	}

	reg := chainparams.FeeAMMAddress
	exists := r.db.GetState(reg, r.slot(id, "exists")) != (common.Hash{})
	if !exists {
		return nil, ErrPoolNotFound
	}
	p := &Pool{
		ID:       id,
		TokenA:   a,
		TokenB:   b,
		ReserveA: r.readU256(reg, r.slot(id, "reserveA")),
		ReserveB: r.readU256(reg, r.slot(id, "reserveB")),
		TotalLP:  r.readU256(reg, r.slot(id, "totalLP")),
	}
	r.cache.Add(id, p)
	return p, nil
}

func (r *Registry) persist(p *Pool) {
	reg := chainparams.FeeAMMAddress
	var exists common.Hash
	exists[31] = 1
	r.db.SetState(reg, r.slot(p.ID, "exists"), exists)
	r.writeU256(reg, r.slot(p.ID, "reserveA"), p.ReserveA)
	r.writeU256(reg, r.slot(p.ID, "reserveB"), p.ReserveB)
	r.writeU256(reg, r.slot(p.ID, "totalLP"), p.TotalLP)
	r.cache.Remove(p.ID)
}

// CreatePool initializes a pool and locks the minimum liquidity so neither
// reserve can ever be drained to zero (spec §3 "Pool", §4.4 create_pool).
func (r *Registry) CreatePool(tokenA, tokenB common.Address, initialA, initialB *uint256.Int) (*Pool, error) {
	if tokenA == tokenB {
		return nil, ErrIdenticalTokens
	}
	id, a, b := poolID(tokenA, tokenB)
	if _, err := r.GetPool(tokenA, tokenB); err == nil {
		return nil, ErrPoolExists
	}
	if initialA.IsZero() || initialB.IsZero() {
		return nil, ErrZeroAmount
	}

	reserveA, reserveB := initialA, initialB
	if a != tokenA {
		reserveA, reserveB = initialB, initialA
	}

	lp := new(uint256.Int).Sqrt(new(uint256.Int).Mul(reserveA, reserveB))
	if lp.Cmp(chainparams.MinimumLiquidityU256) <= 0 {
		return nil, fmt.Errorf("%w: initial liquidity below protocol minimum", ErrInsufficientLiquidity)
	}

	p := &Pool{ID: id, TokenA: a, TokenB: b, ReserveA: reserveA, ReserveB: reserveB, TotalLP: lp}
	r.persist(p)
	log.Debug("feeamm: pool created", "pool", id, "token_a", a, "token_b", b, "reserve_a", reserveA, "reserve_b", reserveB)
	return p, nil
}

// AddLiquidity mints LP shares at the pool's current ratio (spec §4.4).
func (r *Registry) AddLiquidity(tokenA, tokenB common.Address, amountA, amountB *uint256.Int) (lpMinted *uint256.Int, err error) {
	p, err := r.GetPool(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	da, db := amountA, amountB
	if p.TokenA != tokenA {
		da, db = amountB, amountA
	}

	lpFromA := new(uint256.Int).Div(new(uint256.Int).Mul(da, p.TotalLP), p.ReserveA)
	lpFromB := new(uint256.Int).Div(new(uint256.Int).Mul(db, p.TotalLP), p.ReserveB)
	lp := lpFromA
	if lpFromB.Lt(lpFromA) {
		lp = lpFromB
	}
	if lp.IsZero() {
		return nil, ErrZeroAmount
	}

	p.ReserveA = new(uint256.Int).Add(p.ReserveA, da)
	p.ReserveB = new(uint256.Int).Add(p.ReserveB, db)
	p.TotalLP = new(uint256.Int).Add(p.TotalLP, lp)
	r.persist(p)

	log.Debug("feeamm: liquidity added", "pool", p.ID, "lp_minted", lp, "reason", tempotracing.BalanceChangeAMMLiquidity.String())
	return lp, nil
}

// RemoveLiquidity burns lp shares and returns the pro-rata reserve amounts
// (spec §4.4). The caller is responsible for ensuring lp does not exceed the
// provider's held balance; the registry only enforces pool-level invariants.
func (r *Registry) RemoveLiquidity(tokenA, tokenB common.Address, lp *uint256.Int) (amountA, amountB *uint256.Int, err error) {
	p, err := r.GetPool(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	if lp.IsZero() || lp.Gt(p.TotalLP) {
		return nil, nil, ErrZeroAmount
	}
	if new(uint256.Int).Sub(p.TotalLP, lp).Lt(chainparams.MinimumLiquidityU256) {
		return nil, nil, fmt.Errorf("%w: would burn the locked minimum liquidity", ErrInsufficientLiquidity)
	}

	da := new(uint256.Int).Div(new(uint256.Int).Mul(lp, p.ReserveA), p.TotalLP)
	db := new(uint256.Int).Div(new(uint256.Int).Mul(lp, p.ReserveB), p.TotalLP)

	newReserveA := new(uint256.Int).Sub(p.ReserveA, da)
	newReserveB := new(uint256.Int).Sub(p.ReserveB, db)
	if newReserveA.IsZero() || newReserveB.IsZero() {
		return nil, nil, fmt.Errorf("%w: would drain a reserve to zero", ErrInsufficientLiquidity)
	}

	p.ReserveA, p.ReserveB = newReserveA, newReserveB
	p.TotalLP = new(uint256.Int).Sub(p.TotalLP, lp)
	r.persist(p)

	if a, b := da, db; p.TokenA != tokenA {
		a, b = db, da
		return a, b, nil
	}
	return da, db, nil
}

// SwapExactIn executes a constant-product swap for an exact input amount,
// applying the protocol swap fee and enforcing the invariant that
// reserve_a * reserve_b strictly increases (spec §4.4, §8 property 6).
func (r *Registry) SwapExactIn(tokenIn, tokenOut common.Address, amountIn, minOut *uint256.Int) (amountOut *uint256.Int, err error) {
	if amountIn.IsZero() {
		return nil, ErrZeroAmount
	}
	p, err := r.GetPool(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}

	prevProduct := p.product()
	reserveIn, reserveOut := p.ReserveA, p.ReserveB
	inIsA := p.TokenA == tokenIn
	if !inIsA {
		reserveIn, reserveOut = p.ReserveB, p.ReserveA
	}

	out := quoteOut(reserveIn, reserveOut, amountIn)
	if out.Lt(minOut) {
		return nil, ErrSlippage
	}

	newReserveIn := new(uint256.Int).Add(reserveIn, amountIn)
	newReserveOut := new(uint256.Int).Sub(reserveOut, out)
	if newReserveOut.IsZero() || newReserveOut.Lt(chainparams.MinimumLiquidityU256) {
		return nil, ErrInsufficientLiquidity
	}

	if inIsA {
		p.ReserveA, p.ReserveB = newReserveIn, newReserveOut
	} else {
		p.ReserveB, p.ReserveA = newReserveIn, newReserveOut
	}

	if p.product().Cmp(prevProduct) <= 0 {
		return nil, fmt.Errorf("%w: constant-product invariant violated", ErrInsufficientLiquidity)
	}

	r.persist(p)
	log.Debug("feeamm: swap_exact_in", "pool", p.ID, "token_in", tokenIn, "amount_in", amountIn, "amount_out", out,
		"reason", tempotracing.BalanceChangeAMMSwap.String())
	return out, nil
}

// SwapExactOut executes a constant-product swap for an exact output amount
// (spec §4.4 swap_exact_out). Rounding is floor-released/ceil-required: the
// output computed here is exact (not floored further) but the required
// input is rounded up by quoteIn, so the reserve product never decreases.
func (r *Registry) SwapExactOut(tokenIn, tokenOut common.Address, amountOut, maxIn *uint256.Int) (amountIn *uint256.Int, err error) {
	if amountOut.IsZero() {
		return nil, ErrZeroAmount
	}
	p, err := r.GetPool(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}

	prevProduct := p.product()
	reserveIn, reserveOut := p.ReserveA, p.ReserveB
	inIsA := p.TokenA == tokenIn
	if !inIsA {
		reserveIn, reserveOut = p.ReserveB, p.ReserveA
	}

	newReserveOut := new(uint256.Int).Sub(reserveOut, amountOut)
	if amountOut.Gt(reserveOut) || newReserveOut.Lt(chainparams.MinimumLiquidityU256) {
		return nil, ErrInsufficientLiquidity
	}

	in := quoteIn(reserveIn, reserveOut, amountOut)
	if in.Gt(maxIn) {
		return nil, ErrSlippage
	}

	newReserveIn := new(uint256.Int).Add(reserveIn, in)
	if inIsA {
		p.ReserveA, p.ReserveB = newReserveIn, newReserveOut
	} else {
		p.ReserveB, p.ReserveA = newReserveIn, newReserveOut
	}

	if p.product().Cmp(prevProduct) <= 0 {
		return nil, fmt.Errorf("%w: constant-product invariant violated", ErrInsufficientLiquidity)
	}

	r.persist(p)
	log.Debug("feeamm: swap_exact_out", "pool", p.ID, "token_in", tokenIn, "amount_in", in, "amount_out", amountOut,
		"reason", tempotracing.BalanceChangeAMMSwap.String())
	return in, nil
}
