package feemanager

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/feeamm"
	"github.com/tempo-network/tempo-core/tip20"
)

func newTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	sdb, err := state.New(common.Hash{}, state.NewDatabaseForTesting())
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	return sdb
}

func deployToken(t *testing.T, sdb *state.StateDB, suffix byte, minter common.Address, currency string) common.Address {
	t.Helper()
	var addr common.Address
	addr[0] = chainparams.TIP20AddressPrefix
	addr[19] = suffix
	tok := tip20.New(sdb, addr)
	if err := tok.Deploy(minter, currency); err != nil {
		t.Fatalf("deploy token: %v", err)
	}
	return addr
}

func TestDetermineFeeTokenCascade(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	tokenA := deployToken(t, sdb, 0xA1, minter, "USD")
	tokenB := deployToken(t, sdb, 0xA2, minter, "EUR")
	account := common.HexToAddress("0x10")

	// No explicit token, no user token, call target not a TIP-20: default.
	got, err := mgr.DetermineFeeToken(common.Address{}, account, common.HexToAddress("0x99"))
	if err != nil {
		t.Fatalf("determine: %v", err)
	}
	if got != chainparams.DefaultFeeToken {
		t.Fatalf("expected default token, got %s", got)
	}

	// Call target itself a TIP-20.
	got, err = mgr.DetermineFeeToken(common.Address{}, account, tokenB)
	if err != nil {
		t.Fatalf("determine: %v", err)
	}
	if got != tokenB {
		t.Fatalf("expected call-target token %s, got %s", tokenB, got)
	}

	// Prior set_user_token takes precedence over call target.
	if err := mgr.SetUserToken(account, tokenA); err != nil {
		t.Fatalf("set user token: %v", err)
	}
	got, err = mgr.DetermineFeeToken(common.Address{}, account, tokenB)
	if err != nil {
		t.Fatalf("determine: %v", err)
	}
	if got != tokenA {
		t.Fatalf("expected user token %s, got %s", tokenA, got)
	}

	// Explicit fee_token wins over everything.
	got, err = mgr.DetermineFeeToken(tokenB, account, tokenA)
	if err != nil {
		t.Fatalf("determine: %v", err)
	}
	if got != tokenB {
		t.Fatalf("expected explicit token %s, got %s", tokenB, got)
	}
}

func TestPreCollectAndRefund(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	token := deployToken(t, sdb, 0xB1, minter, "USD")
	feePayer := common.HexToAddress("0x20")
	validator := common.HexToAddress("0x30")

	tok := tip20.New(sdb, token)
	if err := tok.Mint(minter, feePayer, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := mgr.PreCollect(feePayer, token, big.NewInt(100), validator); err != nil {
		t.Fatalf("pre-collect: %v", err)
	}
	if tok.BalanceOf(feePayer).Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected fee payer balance 900, got %s", tok.BalanceOf(feePayer))
	}
	if tok.BalanceOf(chainparams.FeeManagerAddress).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected custody balance 100, got %s", tok.BalanceOf(chainparams.FeeManagerAddress))
	}

	if err := mgr.Refund(feePayer, token, big.NewInt(30)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if tok.BalanceOf(feePayer).Cmp(big.NewInt(930)) != 0 {
		t.Fatalf("expected fee payer balance 930 after refund, got %s", tok.BalanceOf(feePayer))
	}
}

func TestPreCollectInsufficientBalance(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	token := deployToken(t, sdb, 0xC1, minter, "USD")
	feePayer := common.HexToAddress("0x20")
	validator := common.HexToAddress("0x30")

	if err := mgr.PreCollect(feePayer, token, big.NewInt(100), validator); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestValidatorTokenChangeGuards(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	tokenA := deployToken(t, sdb, 0xD1, minter, "USD")
	tokenB := deployToken(t, sdb, 0xD2, minter, "EUR")
	feePayer := common.HexToAddress("0x20")
	validator := common.HexToAddress("0x30")

	if err := mgr.SetValidatorToken(validator, tokenA, true); err != ErrProposerCannotChangeToken {
		t.Fatalf("expected ErrProposerCannotChangeToken, got %v", err)
	}

	tok := tip20.New(sdb, tokenA)
	if err := tok.Mint(minter, feePayer, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.PreCollect(feePayer, tokenA, big.NewInt(100), validator); err != nil {
		t.Fatalf("pre-collect: %v", err)
	}
	if err := mgr.SetValidatorToken(validator, tokenB, false); err != ErrUncollectedFeesPending {
		t.Fatalf("expected ErrUncollectedFeesPending, got %v", err)
	}
}

func TestEndOfBlockSettlesSamePreferredToken(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	token := deployToken(t, sdb, 0xE1, minter, "USD")
	feePayer := common.HexToAddress("0x20")
	validator := common.HexToAddress("0x30")

	tok := tip20.New(sdb, token)
	if err := tok.Mint(minter, feePayer, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.SetValidatorToken(validator, token, false); err != nil {
		t.Fatalf("set validator token: %v", err)
	}
	if err := mgr.PreCollect(feePayer, token, big.NewInt(100), validator); err != nil {
		t.Fatalf("pre-collect: %v", err)
	}

	settlements, err := mgr.EndOfBlock()
	if err != nil {
		t.Fatalf("end of block: %v", err)
	}
	if len(settlements) != 1 {
		t.Fatalf("expected 1 settlement, got %d", len(settlements))
	}
	if tok.BalanceOf(validator).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected validator balance 100, got %s", tok.BalanceOf(validator))
	}
}

func TestEndOfBlockSwapsToPreferredToken(t *testing.T) {
	sdb := newTestStateDB(t)
	amm := feeamm.New(sdb)
	mgr := New(sdb, amm)

	minter := common.HexToAddress("0x01")
	tokenIn := deployToken(t, sdb, 0xF1, minter, "USD")
	tokenOut := deployToken(t, sdb, 0xF2, minter, "EUR")
	feePayer := common.HexToAddress("0x20")
	validator := common.HexToAddress("0x30")

	if _, err := amm.CreatePool(tokenIn, tokenOut, uint256.NewInt(1_000_000), uint256.NewInt(1_000_000)); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	tokIn := tip20.New(sdb, tokenIn)
	if err := tokIn.Mint(minter, feePayer, big.NewInt(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.SetValidatorToken(validator, tokenOut, false); err != nil {
		t.Fatalf("set validator token: %v", err)
	}
	if err := mgr.PreCollect(feePayer, tokenIn, big.NewInt(1_000), validator); err != nil {
		t.Fatalf("pre-collect: %v", err)
	}

	settlements, err := mgr.EndOfBlock()
	if err != nil {
		t.Fatalf("end of block: %v", err)
	}
	if len(settlements) != 1 || settlements[0].TokenOut != tokenOut {
		t.Fatalf("expected one settlement into %s, got %+v", tokenOut, settlements)
	}

	tokOut := tip20.New(sdb, tokenOut)
	if tokOut.BalanceOf(validator).Sign() == 0 {
		t.Fatal("expected validator to receive nonzero settled amount in preferred token")
	}
}
