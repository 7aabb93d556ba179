// Command tempo-simulate drives the execution core against a single, fully
// in-memory canned transaction and prints the resulting receipt. It is a
// harness for exercising core.Driver end to end — deploying a TIP-20 fee
// token, minting a balance, signing a Tempo transaction, and executing it —
// not a JSON-RPC or P2P node; that surface is out of scope (spec.md §1).
package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/core"
	"github.com/tempo-network/tempo-core/metrics"
	"github.com/tempo-network/tempo-core/tip20"
	"github.com/tempo-network/tempo-core/txtypes"
)

func main() {
	app := &cli.App{
		Name:  "tempo-simulate",
		Usage: "execute a single canned Tempo transaction against an in-memory state database",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "chain-id", Value: 1337, Usage: "chain id the simulated transaction targets"},
			&cli.Uint64Flag{Name: "gas-limit", Value: 200_000, Usage: "gas limit for the simulated call"},
			&cli.Int64Flag{Name: "max-fee-per-gas", Value: 10, Usage: "max fee per gas, in wei"},
			&cli.Int64Flag{Name: "priority-fee-per-gas", Value: 1, Usage: "max priority fee per gas, in wei"},
			&cli.Int64Flag{Name: "mint", Value: 1_000_000, Usage: "fee token balance minted to the sender before execution"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	chainID := big.NewInt(c.Int64("chain-id"))
	sdb, err := state.New(common.Hash{}, state.NewDatabaseForTesting())
	if err != nil {
		return fmt.Errorf("new state: %w", err)
	}

	chainCfg := *params.TestChainConfig
	chainCfg.ChainID = chainID

	reg := prometheus.NewRegistry()
	driver := core.NewDriver(sdb, &chainCfg).WithMetrics(metrics.NewCollectors(reg))

	priv, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	owner := crypto.PubkeyToAddress(priv.PublicKey)

	var token common.Address
	token[0] = chainparams.TIP20AddressPrefix
	token[19] = 0x01
	minter := common.HexToAddress("0x01")
	tok := tip20.New(sdb, token)
	if err := tok.Deploy(minter, "USD"); err != nil {
		return fmt.Errorf("deploy fee token: %w", err)
	}
	if err := tok.Mint(minter, owner, big.NewInt(c.Int64("mint"))); err != nil {
		return fmt.Errorf("mint fee token: %w", err)
	}

	to := common.HexToAddress("0x42")
	tx := txtypes.TempoTx{
		ChainID:              chainID,
		GasLimit:             c.Uint64("gas-limit"),
		MaxFeePerGas:         big.NewInt(c.Int64("max-fee-per-gas")),
		MaxPriorityFeePerGas: big.NewInt(c.Int64("priority-fee-per-gas")),
		FeeToken:             token,
		Calls:                []txtypes.Call{{To: &to, Data: nil}},
	}
	raw, err := signTempoTx(tx, priv)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	bctx := core.BlockContext{
		Coinbase: common.HexToAddress("0x99"), Timestamp: 1_000, BaseFee: big.NewInt(1),
		ChainID: chainID, GasLimit: 30_000_000, Number: big.NewInt(1),
	}
	receipt, err := driver.ExecuteTransaction(raw, bctx)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	out, err := json.MarshalIndent(struct {
		Status            string         `json:"status"`
		GasUsed           uint64         `json:"gas_used"`
		EffectiveFeeToken common.Address `json:"effective_fee_token"`
		EffectiveFeePaid  *big.Int       `json:"effective_fee_paid"`
	}{
		Status:            receipt.Status.String(),
		GasUsed:           receipt.GasUsed,
		EffectiveFeeToken: receipt.EffectiveFeeToken,
		EffectiveFeePaid:  receipt.EffectiveFeePaid,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// signTempoTx signs tx with priv's root secp256k1 key over its canonical
// signing digest and frames the result as a raw envelope (spec §3).
func signTempoTx(tx txtypes.TempoTx, priv *ecdsa.PrivateKey) ([]byte, error) {
	env := &txtypes.Envelope{Kind: txtypes.KindTempo, Tempo: &tx}
	digest, err := env.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	body, err := rlp.EncodeToBytes(&tx)
	if err != nil {
		return nil, err
	}
	return append([]byte{chainparams.TempoTxType}, body...), nil
}
