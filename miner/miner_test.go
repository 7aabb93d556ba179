package miner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/params"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/core"
)

func testTIP20Address(suffix byte) common.Address {
	var addr common.Address
	addr[0] = chainparams.TIP20AddressPrefix
	addr[19] = suffix
	return addr
}

func newTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	sdb, err := state.New(common.Hash{}, state.NewDatabaseForTesting())
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	return sdb
}

func testChainConfig(chainID int64) *params.ChainConfig {
	cfg := *params.TestChainConfig
	cfg.ChainID = big.NewInt(chainID)
	return &cfg
}

func TestIsProposerThisBlock(t *testing.T) {
	sdb := newTestStateDB(t)
	driver := core.NewDriver(sdb, testChainConfig(1337))
	proposer := common.HexToAddress("0x01")
	other := common.HexToAddress("0x02")

	b := NewBlockBuilder(driver, proposer)
	if !b.IsProposerThisBlock(proposer) {
		t.Fatal("expected proposer to be recognized as this block's proposer")
	}
	if b.IsProposerThisBlock(other) {
		t.Fatal("expected non-proposer validator to be rejected")
	}
}

func TestSetValidatorTokenRejectsProposerThisBlock(t *testing.T) {
	sdb := newTestStateDB(t)
	driver := core.NewDriver(sdb, testChainConfig(1337))
	proposer := common.HexToAddress("0x01")
	token := testTIP20Address(0x01)

	b := NewBlockBuilder(driver, proposer)
	if err := b.SetValidatorToken(proposer, token); err == nil {
		t.Fatal("expected proposer-this-block guard to reject the change")
	}
}

func TestSetValidatorTokenAllowsNonProposer(t *testing.T) {
	sdb := newTestStateDB(t)
	driver := core.NewDriver(sdb, testChainConfig(1337))
	proposer := common.HexToAddress("0x01")
	validator := common.HexToAddress("0x02")
	token := testTIP20Address(0x02)

	b := NewBlockBuilder(driver, proposer)
	if err := b.SetValidatorToken(validator, token); err != nil {
		t.Fatalf("expected non-proposer validator token change to succeed, got %v", err)
	}
}

func TestEndOfBlockReturnsSettlements(t *testing.T) {
	sdb := newTestStateDB(t)
	driver := core.NewDriver(sdb, testChainConfig(1337))
	b := NewBlockBuilder(driver, common.HexToAddress("0x01"))

	settlements := b.EndOfBlock()
	if settlements == nil && len(settlements) != 0 {
		t.Fatal("expected a (possibly empty) settlement slice, not a panic")
	}
}
