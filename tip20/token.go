// Package tip20 implements the payment-token contract surface (spec §4.5,
// §6): an ERC-20 superset with a `currency()` code and minter-gated
// mint/burn, used as the medium of exchange for every fee collection and
// AMM swap in this repo. Storage layout and the balance/allowance slot
// addressing follow the same keccak-addressed-slot idiom used throughout
// this repo's precompile packages (accesskey, nonce), itself grounded on
// other_examples' aa_executor.go.
package tip20

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tempo-network/tempo-core/accesskey"
	tempotracing "github.com/tempo-network/tempo-core/tracing"
)

// Sentinel errors (spec §7 "Balance" and "Auth" kinds).
var (
	ErrNotDeployed       = errors.New("tip20: token not deployed")
	ErrAlreadyDeployed   = errors.New("tip20: token already deployed")
	ErrInsufficientFunds = errors.New("tip20: insufficient balance")
	ErrInsufficientAllow = errors.New("tip20: insufficient allowance")
	ErrNotMinter         = errors.New("tip20: caller is not the token's minter")
	ErrZeroAddress       = errors.New("tip20: zero address")
)

// Token is a handle onto one TIP-20 contract's storage, identified by its
// own contract address on the chain state database.
type Token struct {
	db      gethvm.StateDB
	address common.Address
}

// New returns a handle onto the TIP-20 token deployed at address.
func New(db gethvm.StateDB, address common.Address) *Token {
	return &Token{db: db, address: address}
}

func (t *Token) slot(field string, parts ...[]byte) common.Hash {
	args := make([][]byte, 0, len(parts)+1)
	args = append(args, []byte(field))
	args = append(args, parts...)
	return crypto.Keccak256Hash(args...)
}

func (t *Token) getBig(slot common.Hash) *big.Int {
	return new(big.Int).SetBytes(t.db.GetState(t.address, slot).Bytes())
}

func (t *Token) setBig(slot common.Hash, v *big.Int) {
	var h common.Hash
	v.FillBytes(h[:])
	t.db.SetState(t.address, slot, h)
}

func (t *Token) getFlag(slot common.Hash) bool {
	return t.db.GetState(t.address, slot) != (common.Hash{})
}

func (t *Token) setFlag(slot common.Hash, v bool) {
	var h common.Hash
	if v {
		h[31] = 1
	}
	t.db.SetState(t.address, slot, h)
}

func balanceSlot(t *Token, owner common.Address) common.Hash {
	return t.slot("balance", owner.Bytes())
}

func allowanceSlot(t *Token, owner, spender common.Address) common.Hash {
	return t.slot("allowance", owner.Bytes(), spender.Bytes())
}

// Deploy initializes a new TIP-20 contract at t.address with the given
// minter (the only account allowed to Mint/Burn) and ISO-like currency
// code (e.g. "USD"); currency is hashed and stored for §4.3 access-key
// currency-limit lookups via CurrencyHash.
func (t *Token) Deploy(minter common.Address, currency string) error {
	if t.getFlag(t.slot("deployed")) {
		return ErrAlreadyDeployed
	}
	t.setFlag(t.slot("deployed"), true)
	t.db.SetState(t.address, t.slot("minter"), common.BytesToHash(minter.Bytes()))
	t.db.SetState(t.address, t.slot("currency_hash"), crypto.Keccak256Hash([]byte(currency)))
	log.Debug("tip20: deployed", "token", t.address, "minter", minter, "currency", currency)
	return nil
}

func (t *Token) mustExist() error {
	if !t.getFlag(t.slot("deployed")) {
		return ErrNotDeployed
	}
	return nil
}

// CurrencyHash returns the keccak256 of the token's currency code, the
// value used as the access-key currency_limits map key (spec §4.3 step 2).
func (t *Token) CurrencyHash() common.Hash {
	return t.db.GetState(t.address, t.slot("currency_hash"))
}

// TotalSupply returns the token's total minted supply.
func (t *Token) TotalSupply() *big.Int {
	return t.getBig(t.slot("total_supply"))
}

// BalanceOf returns owner's balance.
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	return t.getBig(balanceSlot(t, owner))
}

// Allowance returns the amount spender may still transfer from owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	return t.getBig(allowanceSlot(t, owner, spender))
}

// Approve sets the amount spender may transfer from owner.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := t.mustExist(); err != nil {
		return err
	}
	t.setBig(allowanceSlot(t, owner, spender), amount)
	return nil
}

// Mint credits amount to to. Only the token's registered minter may call
// this; any other caller gets ErrNotMinter.
func (t *Token) Mint(caller, to common.Address, amount *big.Int) error {
	if err := t.mustExist(); err != nil {
		return err
	}
	minter := common.BytesToAddress(t.db.GetState(t.address, t.slot("minter")).Bytes())
	if caller != minter {
		return ErrNotMinter
	}
	t.setBig(balanceSlot(t, to), new(big.Int).Add(t.BalanceOf(to), amount))
	t.setBig(t.slot("total_supply"), new(big.Int).Add(t.TotalSupply(), amount))
	log.Debug("tip20: mint", "token", t.address, "to", to, "amount", amount)
	return nil
}

// Burn debits amount from from. Only the token's registered minter may call
// this.
func (t *Token) Burn(caller, from common.Address, amount *big.Int) error {
	if err := t.mustExist(); err != nil {
		return err
	}
	minter := common.BytesToAddress(t.db.GetState(t.address, t.slot("minter")).Bytes())
	if caller != minter {
		return ErrNotMinter
	}
	bal := t.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	t.setBig(balanceSlot(t, from), new(big.Int).Sub(bal, amount))
	t.setBig(t.slot("total_supply"), new(big.Int).Sub(t.TotalSupply(), amount))
	log.Debug("tip20: burn", "token", t.address, "from", from, "amount", amount)
	return nil
}

// transferInternal moves amount from from to to without touching
// allowances, enforcing the access-key spending limit when the call is
// authenticated via a delegated key (spec §4.3).
func (t *Token) transferInternal(from, to common.Address, amount *big.Int, signer accesskey.TxSigner, reg *accesskey.Registry) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := t.mustExist(); err != nil {
		return err
	}
	bal := t.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}

	if reg != nil && !signer.IsRoot() && signer.Owner == from {
		if err := reg.Spend(from, signer.KeyID, t.address, t.CurrencyHash(), amount); err != nil {
			return err
		}
	}

	t.setBig(balanceSlot(t, from), new(big.Int).Sub(bal, amount))
	t.setBig(balanceSlot(t, to), new(big.Int).Add(t.BalanceOf(to), amount))
	reason := tempotracing.BalanceChangeUnspecified
	if !signer.IsRoot() {
		reason = tempotracing.BalanceChangeAccessKeySpend
	}
	log.Debug("tip20: transfer", "token", t.address, "from", from, "to", to, "amount", amount,
		"reason", reason.String())
	return nil
}

// Transfer moves amount from the caller (from) to to.
func (t *Token) Transfer(from, to common.Address, amount *big.Int, signer accesskey.TxSigner, reg *accesskey.Registry) error {
	return t.transferInternal(from, to, amount, signer, reg)
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming spender's allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int, signer accesskey.TxSigner, reg *accesskey.Registry) error {
	allowed := t.Allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllow
	}
	if err := t.transferInternal(from, to, amount, signer, reg); err != nil {
		return err
	}
	t.setBig(allowanceSlot(t, from, spender), new(big.Int).Sub(allowed, amount))
	return nil
}
