package core

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/tip20"
)

// TestExecuteTransactionAcceptsLegacyEthereumTx exercises the non-Tempo path
// of recoverSigner: a plain go-ethereum legacy transaction, signed and
// framed exactly as types.Transaction.MarshalBinary produces, should
// recover its sender via the embedded ECDSA signature rather than any
// Tempo-specific verifier and settle its fee normally.
func TestExecuteTransactionAcceptsLegacyEthereumTx(t *testing.T) {
	sdb := newTestStateDB(t)
	chainCfg := testChainConfig(1337)
	d := NewDriver(sdb, chainCfg)

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)
	sdb.AddBalance(from, uint256.NewInt(1e18), tracing.BalanceChangeTransfer)

	var token common.Address
	token[0] = chainparams.TIP20AddressPrefix
	token[19] = 0x09
	minter := common.HexToAddress("0x01")
	tok := tip20.New(sdb, token)
	if err := tok.Deploy(minter, "USD"); err != nil {
		t.Fatalf("deploy fee token: %v", err)
	}
	if err := tok.Mint(minter, from, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := d.Fees.SetUserToken(from, token); err != nil {
		t.Fatalf("set user token: %v", err)
	}

	to := common.HexToAddress("0x42")
	signer := types.LatestSignerForChainID(chainCfg.ChainID)
	txData := &types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(2),
		Gas:      100_000,
		To:       &to,
		Value:    big.NewInt(0),
	}
	tx, err := types.SignTx(types.NewTx(txData), signer, priv)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}

	bctx := BlockContext{
		Coinbase: common.HexToAddress("0x99"), Timestamp: 1_000, BaseFee: big.NewInt(1),
		ChainID: chainCfg.ChainID, GasLimit: 30_000_000, Number: big.NewInt(1),
	}
	receipt, err := d.ExecuteTransaction(raw, bctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != StatusExecuted {
		t.Fatalf("expected StatusExecuted, got %s", receipt.Status)
	}
	if got := d.Nonces.Current(from, 0); got != 1 {
		t.Fatalf("expected protocol nonce 1 after inclusion, got %d", got)
	}
}
