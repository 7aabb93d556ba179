package accesskey

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tempo-network/tempo-core/sig"
)

func newTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	sdb, err := state.New(common.Hash{}, state.NewDatabaseForTesting())
	if err != nil {
		t.Fatalf("new statedb: %v", err)
	}
	return sdb
}

func TestAuthorizeRequiresRoot(t *testing.T) {
	reg := New(newTestStateDB(t))
	owner := common.HexToAddress("0xaa")
	keyID := common.HexToAddress("0xbb")

	delegated := TxSigner{Owner: owner, KeyID: common.HexToAddress("0xcc")}
	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, false, nil, nil, delegated); err != ErrNotRoot {
		t.Fatalf("expected ErrNotRoot, got %v", err)
	}

	root := TxSigner{Owner: owner}
	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, false, nil, nil, root); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestNoReAuthorizationAfterRevoke(t *testing.T) {
	reg := New(newTestStateDB(t))
	owner := common.HexToAddress("0xaa")
	keyID := common.HexToAddress("0xbb")
	root := TxSigner{Owner: owner}

	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, false, nil, nil, root); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := reg.Revoke(owner, keyID, root); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, false, nil, nil, root); err != ErrKeyPreviouslyRevoked {
		t.Fatalf("expected ErrKeyPreviouslyRevoked, got %v", err)
	}
}

func TestSpendingLimitTokenThenCurrencyOverflow(t *testing.T) {
	reg := New(newTestStateDB(t))
	owner := common.HexToAddress("0xaa")
	keyID := common.HexToAddress("0xbb")
	token := common.HexToAddress("0x01")
	root := TxSigner{Owner: owner}

	currency := crypto.Keccak256Hash([]byte("USD"))
	tokenLimits := map[common.Address]*big.Int{token: big.NewInt(200)}
	currencyLimits := map[common.Hash]*big.Int{currency: big.NewInt(1000)}

	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, true, tokenLimits, currencyLimits, root); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	// First spend of 150 draws entirely from the token limit.
	if err := reg.Spend(owner, keyID, token, currency, big.NewInt(150)); err != nil {
		t.Fatalf("spend 1: %v", err)
	}
	remaining, _ := reg.RemainingTokenLimit(owner, keyID, token)
	if remaining.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 50 remaining token limit, got %s", remaining)
	}

	// Second spend of 100 overflows the remaining 50 token limit into the
	// currency limit (spec §4.3 steps 1-2).
	if err := reg.Spend(owner, keyID, token, currency, big.NewInt(100)); err != nil {
		t.Fatalf("spend 2: %v", err)
	}
	tokenRemaining, _ := reg.RemainingTokenLimit(owner, keyID, token)
	if tokenRemaining.Sign() != 0 {
		t.Fatalf("expected exhausted token limit, got %s", tokenRemaining)
	}
	currencyRemaining, _ := reg.RemainingCurrencyLimit(owner, keyID, currency)
	if currencyRemaining.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("expected 950 remaining currency limit, got %s", currencyRemaining)
	}
}

func TestSpendingLimitExceededRejectsTransaction(t *testing.T) {
	reg := New(newTestStateDB(t))
	owner := common.HexToAddress("0xaa")
	keyID := common.HexToAddress("0xbb")
	token := common.HexToAddress("0x01")
	currency := crypto.Keccak256Hash([]byte("USD"))
	root := TxSigner{Owner: owner}

	tokenLimits := map[common.Address]*big.Int{token: big.NewInt(200)}
	if err := reg.Authorize(owner, keyID, sig.Secp256k1, 0, true, tokenLimits, nil, root); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if err := reg.Spend(owner, keyID, token, currency, big.NewInt(150)); err != nil {
		t.Fatalf("spend 1: %v", err)
	}
	if err := reg.Spend(owner, keyID, token, currency, big.NewInt(100)); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Fatalf("expected ErrSpendingLimitExceeded, got %v", err)
	}
}
