package core

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum/core"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/tip20"
	"github.com/tempo-network/tempo-core/txtypes"
)

// revertingEngine simulates an EVM call that reverts with a standard
// Error(string) payload, so ExecuteTransaction's wiring of
// tracing.DecodeRevertReason can be exercised without real EVM bytecode.
type revertingEngine struct{ reason []byte }

func (e revertingEngine) Call(evm *gethvm.EVM, gp *gethcore.GasPool, msg *gethcore.Message) (*gethcore.ExecutionResult, error) {
	return &gethcore.ExecutionResult{UsedGas: 30_000, Err: gethvm.ErrExecutionReverted, ReturnData: e.reason}, nil
}

func TestExecuteTransactionRevertedCallPopulatesRevertReason(t *testing.T) {
	errorABI, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"Error","inputs":[{"name":"reason","type":"string"}]}]`))
	if err != nil {
		t.Fatalf("build abi: %v", err)
	}
	reasonData, err := errorABI.Pack("Error", "insufficient balance")
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}

	sdb := newTestStateDB(t)
	d := NewDriver(sdb, testChainConfig(1337)).WithEngine(revertingEngine{reason: reasonData})

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(priv.PublicKey)
	privBytes := crypto.FromECDSA(priv)

	minter := common.HexToAddress("0x01")
	var token common.Address
	token[0] = chainparams.TIP20AddressPrefix
	token[19] = 0x04
	tok := tip20.New(sdb, token)
	if err := tok.Deploy(minter, "USD"); err != nil {
		t.Fatalf("deploy token: %v", err)
	}
	if err := tok.Mint(minter, owner, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	to := common.HexToAddress("0x42")
	tx := txtypes.TempoTx{
		ChainID:              big.NewInt(1337),
		GasLimit:             200_000,
		MaxFeePerGas:         big.NewInt(10),
		MaxPriorityFeePerGas: big.NewInt(1),
		FeeToken:             token,
		Calls:                []txtypes.Call{{To: &to, Data: nil}},
	}
	raw := signedTempoEnvelope(t, tx, privBytes)

	bctx := BlockContext{
		Coinbase: common.HexToAddress("0x99"), Timestamp: 1_000, BaseFee: big.NewInt(1),
		ChainID: big.NewInt(1337), GasLimit: 30_000_000, Number: big.NewInt(1),
	}
	receipt, err := d.ExecuteTransaction(raw, bctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != StatusReverted {
		t.Fatalf("expected StatusReverted, got %s", receipt.Status)
	}
	if receipt.RevertReason != "insufficient balance" {
		t.Fatalf("expected decoded revert reason, got %q", receipt.RevertReason)
	}
}
