package tip20

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"

	"github.com/tempo-network/tempo-core/accesskey"
)

func newTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	sdb, err := state.New(common.Hash{}, state.NewDatabaseForTesting())
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	return sdb
}

func TestDeployMintTransfer(t *testing.T) {
	sdb := newTestStateDB(t)
	tokenAddr := common.HexToAddress("0xAD0000000000000000000000000000000000AA")
	minter := common.HexToAddress("0x01")
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")

	tok := New(sdb, tokenAddr)
	if err := tok.Deploy(minter, "USD"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := tok.Mint(minter, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok.BalanceOf(alice).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected balance 1000, got %s", tok.BalanceOf(alice))
	}

	root := accesskey.TxSigner{Owner: alice}
	if err := tok.Transfer(alice, bob, big.NewInt(400), root, nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tok.BalanceOf(alice).Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected sender balance 600, got %s", tok.BalanceOf(alice))
	}
	if tok.BalanceOf(bob).Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected recipient balance 400, got %s", tok.BalanceOf(bob))
	}
}

func TestTransferEnforcesAccessKeyLimit(t *testing.T) {
	sdb := newTestStateDB(t)
	tokenAddr := common.HexToAddress("0xAD0000000000000000000000000000000000BB")
	minter := common.HexToAddress("0x01")
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")
	keyID := common.HexToAddress("0xcc")

	tok := New(sdb, tokenAddr)
	if err := tok.Deploy(minter, "USD"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := tok.Mint(minter, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	reg := accesskey.New(sdb)
	aliceRoot := accesskey.TxSigner{Owner: alice}
	tokenLimits := map[common.Address]*big.Int{tokenAddr: big.NewInt(100)}
	if err := reg.Authorize(alice, keyID, 0, 0, true, tokenLimits, nil, aliceRoot); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	delegated := accesskey.TxSigner{Owner: alice, KeyID: keyID}
	if err := tok.Transfer(alice, bob, big.NewInt(50), delegated, reg); err != nil {
		t.Fatalf("transfer within limit: %v", err)
	}
	if err := tok.Transfer(alice, bob, big.NewInt(100), delegated, reg); !errors.Is(err, accesskey.ErrSpendingLimitExceeded) {
		t.Fatalf("expected ErrSpendingLimitExceeded, got %v", err)
	}
}

func TestOnlyMinterCanMintOrBurn(t *testing.T) {
	sdb := newTestStateDB(t)
	tokenAddr := common.HexToAddress("0xAD0000000000000000000000000000000000CC")
	minter := common.HexToAddress("0x01")
	impostor := common.HexToAddress("0x02")
	alice := common.HexToAddress("0xa1")

	tok := New(sdb, tokenAddr)
	if err := tok.Deploy(minter, "EUR"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := tok.Mint(impostor, alice, big.NewInt(1)); err != ErrNotMinter {
		t.Fatalf("expected ErrNotMinter, got %v", err)
	}
	if err := tok.Burn(impostor, alice, big.NewInt(1)); err != ErrNotMinter {
		t.Fatalf("expected ErrNotMinter from burn, got %v", err)
	}
}

func TestApproveThenTransferFrom(t *testing.T) {
	sdb := newTestStateDB(t)
	tokenAddr := common.HexToAddress("0xAD0000000000000000000000000000000000DD")
	minter := common.HexToAddress("0x01")
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")
	spender := common.HexToAddress("0xc3")

	tok := New(sdb, tokenAddr)
	if err := tok.Deploy(minter, "USD"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := tok.Mint(minter, alice, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Approve(alice, spender, big.NewInt(200)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	root := accesskey.TxSigner{Owner: alice}
	if err := tok.TransferFrom(spender, alice, bob, big.NewInt(300), root, nil); err != ErrInsufficientAllow {
		t.Fatalf("expected ErrInsufficientAllow, got %v", err)
	}
	if err := tok.TransferFrom(spender, alice, bob, big.NewInt(150), root, nil); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if tok.Allowance(alice, spender).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected remaining allowance 50, got %s", tok.Allowance(alice, spender))
	}
}
