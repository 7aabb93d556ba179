// Package core implements the execution driver (spec §4.7, C7): the
// per-transaction state machine that orchestrates every other component in
// dependency order (decode/validate, signature recovery, access-key check,
// nonce stage, fee pre-collect, the EVM call batch, fee settle, nonce
// commit). The EVM interpreter itself is consumed as a black box — the
// driver builds a call frame and hands it to go-ethereum's own
// core.ApplyMessage, the same call the teacher's core/tx_executor.go and
// core/revm_state_processor.go make for their "go-evm" backend. This repo
// commits to that single backend only (spec.md §1 scope; SPEC_FULL.md
// Non-goals drop the teacher's REVM counterpart, which has no Rust half in
// this repository), so the build-tag dispatch tx_executor.go used to pick
// between "go-evm" and "revm" collapses to one always-present ExecutionEngine.
package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	gethvm "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/tempo-network/tempo-core/accesskey"
	"github.com/tempo-network/tempo-core/chainparams"
	"github.com/tempo-network/tempo-core/feeamm"
	"github.com/tempo-network/tempo-core/feemanager"
	"github.com/tempo-network/tempo-core/metrics"
	"github.com/tempo-network/tempo-core/nonce"
	"github.com/tempo-network/tempo-core/sig"
	"github.com/tempo-network/tempo-core/tip20"
	tempotracing "github.com/tempo-network/tempo-core/tracing"
	"github.com/tempo-network/tempo-core/txtypes"
)

// Status is the terminal state of an admitted transaction (spec §4.7 state
// machine diagram: Rejected never reaches here — it returns an error from
// ExecuteTransaction instead, since no nonce or fee is ever touched).
type Status int

const (
	StatusExecuted Status = iota
	StatusReverted
)

func (s Status) String() string {
	if s == StatusExecuted {
		return "executed"
	}
	return "reverted"
}

// Sentinel errors for the Rejected branch of the state machine (spec §7
// "Auth"/"Fee-admission" kinds not already owned by a leaf component).
var (
	ErrSignerMismatch = errors.New("core: recovered delegated key does not match access_key_auth.key_id")
	ErrEmptyBatch     = errors.New("core: transaction carries no calls")
)

// Receipt wraps go-ethereum's own types.Receipt with the Tempo-specific
// fields spec §7 "User-visible behavior" requires (effective fee token,
// effective fee paid, and the brick_used storage-metering dimension);
// upstream's Receipt is not modified, matching how the teacher's
// MakeReceipt/createSuccessfulReceiptWithLogs build a types.Receipt without
// touching its definition.
type Receipt struct {
	*types.Receipt
	Status            Status
	EffectiveFeeToken common.Address
	EffectiveFeePaid  *big.Int
	BrickUsed         uint64
	ContractAddress   *common.Address
	RevertReason      string // non-empty only when Status == StatusReverted
}

// BlockContext is the read-only block-level input the driver consumes
// (spec §6 "Block-context inputs" — "the handler only reads these").
type BlockContext struct {
	Coinbase     common.Address
	Timestamp    uint64
	BaseFee      *big.Int
	ChainID      *big.Int
	GasLimit     uint64
	Number       *big.Int
}

// ExecutionEngine is the black-box boundary to the EVM byte-code
// interpreter (spec §1: "the core supplies it a call frame and consumes
// gas/result"). goEVMEngine is the only implementation this repo ships;
// the interface exists so tests can substitute a stub, the same role
// tx_executor.go's TxExecutor abstraction played for the teacher's
// build-tag-selected backend.
type ExecutionEngine interface {
	Call(evm *gethvm.EVM, gp *gethcore.GasPool, msg *gethcore.Message) (*gethcore.ExecutionResult, error)
}

type goEVMEngine struct{}

func (goEVMEngine) Call(evm *gethvm.EVM, gp *gethcore.GasPool, msg *gethcore.Message) (*gethcore.ExecutionResult, error) {
	return gethcore.ApplyMessage(evm, msg, gp)
}

// Driver orchestrates the seven components of spec §2 into the single
// per-transaction pipeline of spec §4.7.
type Driver struct {
	db       gethvm.StateDB
	chainCfg *params.ChainConfig
	engine   ExecutionEngine
	metrics  *metrics.Collectors

	Nonces *nonce.Store
	Keys   *accesskey.Registry
	AMM    *feeamm.Registry
	Fees   *feemanager.Manager

	keysPrecompile *accesskey.Precompile
}

// NewDriver wires the leaf components (nonce, access-key, AMM) and the fee
// manager (the only component depending on all three, per spec §9's "AMM is
// a leaf capability" rule — see feemanager's package doc) on top of db.
func NewDriver(db gethvm.StateDB, chainCfg *params.ChainConfig) *Driver {
	amm := feeamm.New(db)
	keys := accesskey.New(db)
	keysPrecompile, err := accesskey.NewPrecompile(keys)
	if err != nil {
		panic(fmt.Sprintf("core: access-key precompile ABI: %v", err))
	}
	return &Driver{
		db:             db,
		chainCfg:       chainCfg,
		engine:         goEVMEngine{},
		Nonces:         nonce.New(db),
		Keys:           keys,
		AMM:            amm,
		Fees:           feemanager.New(db, amm),
		keysPrecompile: keysPrecompile,
	}
}

// WithEngine overrides the execution engine, e.g. with a stub in tests that
// must not actually interpret EVM byte code.
func (d *Driver) WithEngine(e ExecutionEngine) *Driver {
	d.engine = e
	return d
}

// WithMetrics attaches a Prometheus collector set; every subsequent
// ExecuteTransaction call reports gas used and fees collected through it.
// A driver with no collectors attached (the default) reports nothing.
func (d *Driver) WithMetrics(m *metrics.Collectors) *Driver {
	d.metrics = m
	return d
}

// recoverSigner authenticates the envelope's sender (spec §2 "C1 recovers
// the caller ... C3 validates the delegated key if present"). For
// legacy/1559/7702 envelopes recovery is delegated to go-ethereum's own
// embedded-ECDSA Sender recovery; for Tempo, C1's three-algorithm verifier
// recovers either the owner's root key directly, or a delegated access key
// whose authority is co-signed by the owner's root key over the same
// digest (FeePayerSig).
func (d *Driver) recoverSigner(env *txtypes.Envelope, bctx BlockContext) (accesskey.TxSigner, error) {
	if env.Kind != txtypes.KindTempo {
		signer := types.LatestSignerForChainID(bctx.ChainID)
		from, err := types.Sender(signer, env.Geth)
		if err != nil {
			return accesskey.TxSigner{}, fmt.Errorf("%w: %v", sig.ErrBadSignature, err)
		}
		return accesskey.TxSigner{Owner: from}, nil
	}

	digest, err := env.SigningHash()
	if err != nil {
		return accesskey.TxSigner{}, err
	}

	auth := env.AccessKeyAuth()
	if !auth.Present {
		owner, err := sig.Verify(sig.Algo(env.SigAlgo()), digest, env.Signature())
		if err != nil {
			return accesskey.TxSigner{}, err
		}
		return accesskey.TxSigner{Owner: owner}, nil
	}

	keyAddr, err := sig.Verify(sig.Algo(auth.SigAlgo), digest, env.Signature())
	if err != nil {
		return accesskey.TxSigner{}, err
	}
	if keyAddr != auth.KeyID {
		return accesskey.TxSigner{}, ErrSignerMismatch
	}
	owner, err := sig.Verify(sig.Secp256k1, digest, env.FeePayerSig())
	if err != nil {
		return accesskey.TxSigner{}, err
	}
	if err := d.Keys.ValidateForSigning(owner, keyAddr, bctx.Timestamp); err != nil {
		return accesskey.TxSigner{}, err
	}
	return accesskey.TxSigner{Owner: owner, KeyID: keyAddr}, nil
}

// intrinsicGas computes the fixed, pre-execution portion of spec §4.7 "Gas
// accounting": base cost, per-call cold access and calldata, CREATE, the
// 7702 authorization list, and the signature-verification surcharges.
func intrinsicGas(env *txtypes.Envelope, signer accesskey.TxSigner) uint64 {
	gas := chainparams.TxGas
	gas += chainparams.SigAlgoCost(sig.Algo(env.SigAlgo()))
	if !signer.IsRoot() {
		gas += chainparams.SigAlgoCost(sig.Secp256k1) // FeePayerSig co-signature
	}
	gas += uint64(env.AuthorizationListLen()) * chainparams.SetCodeAuthorizationGas

	for _, call := range env.Calls() {
		gas += chainparams.ColdAccountAccessGas
		for _, b := range call.Data {
			if b == 0 {
				gas += chainparams.TxDataZeroGas
			} else {
				gas += chainparams.TxDataNonZeroGas
			}
		}
		if call.To == nil {
			gas += chainparams.CreateGas
			words := (uint64(len(call.Data)) + 31) / 32
			gas += words * chainparams.InitcodeWordGas
		}
	}
	return gas
}

func effectiveGasPrice(baseFee, maxFeePerGas, maxPriorityFeePerGas *big.Int) *big.Int {
	if maxFeePerGas == nil {
		return baseFee // no fee cap supplied: charge the base fee
	}
	tip := new(big.Int).Sub(maxFeePerGas, baseFee)
	if maxPriorityFeePerGas != nil && tip.Cmp(maxPriorityFeePerGas) > 0 {
		tip = new(big.Int).Set(maxPriorityFeePerGas)
	}
	if tip.Sign() < 0 {
		tip = new(big.Int)
	}
	return new(big.Int).Add(baseFee, tip)
}

func blockContextFor(bctx BlockContext) gethvm.BlockContext {
	return gethvm.BlockContext{
		CanTransfer: gethcore.CanTransfer,
		Transfer:    gethcore.Transfer,
		GetHash:     func(n uint64) common.Hash { return crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", n))) },
		Coinbase:    bctx.Coinbase,
		GasLimit:    bctx.GasLimit,
		BlockNumber: bctx.Number,
		Time:        bctx.Timestamp,
		Difficulty:  new(big.Int),
		BaseFee:     bctx.BaseFee,
	}
}

// ExecuteTransaction runs the state machine of spec §4.7 end to end. A
// non-nil error means the transaction is Rejected: no nonce consumed, no
// fee taken, no state mutated. Otherwise the returned Receipt's Status
// distinguishes Executed from Reverted-but-included, both of which consume
// the nonce and (bar a successful refund) the declared fee.
func (d *Driver) ExecuteTransaction(raw []byte, bctx BlockContext) (*Receipt, error) {
	env, err := txtypes.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := txtypes.Validate(env, bctx.ChainID, bctx.Timestamp, bctx.BaseFee); err != nil {
		return nil, err
	}
	calls := env.Calls()
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}

	signer, err := d.recoverSigner(env, bctx)
	if err != nil {
		return nil, err
	}

	nonceKey := env.NonceKey()
	if _, err := d.Nonces.CheckAndStage(signer.Owner, nonceKey, env.Nonce()); err != nil {
		return nil, err
	}
	// CREATE address derivation always uses the protocol-nonce snapshot
	// taken before this transaction's own advance (spec §3, §4.7, §9),
	// regardless of which nonce space the transaction itself declares.
	protocolNonceSnapshot := d.Nonces.ProtocolNonceSnapshot(signer.Owner)

	maxFeePerGas := env.MaxFeePerGas()
	if maxFeePerGas == nil {
		// Legacy transactions carry a single GasPrice instead of a fee cap.
		maxFeePerGas = bctx.BaseFee
		if env.Geth != nil {
			maxFeePerGas = env.Geth.GasPrice()
		}
	}
	gasPrice := effectiveGasPrice(bctx.BaseFee, maxFeePerGas, env.MaxPriorityFeePerGas())
	gasLimit := env.GasLimit()
	maxFee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)

	var callTarget common.Address
	if calls[0].To != nil {
		callTarget = *calls[0].To
	}
	feeToken, err := d.Fees.DetermineFeeToken(env.FeeToken(), signer.Owner, callTarget)
	if err != nil {
		return nil, err
	}
	if err := d.Fees.PreCollect(signer.Owner, feeToken, maxFee, bctx.Coinbase); err != nil {
		return nil, err
	}

	used := intrinsicGas(env, signer)
	status, logs, contractAddr, revertReason, execErr := d.runBatch(env, calls, signer, bctx, gasLimit, gasPrice, protocolNonceSnapshot, &used)

	var actualFee *big.Int
	if status == StatusExecuted {
		actualFee = new(big.Int).Mul(new(big.Int).SetUint64(used), gasPrice)
		refund := new(big.Int).Sub(maxFee, actualFee)
		if refund.Sign() > 0 {
			if err := d.Fees.Refund(signer.Owner, feeToken, refund); err != nil {
				return nil, fmt.Errorf("core: refund: %w", err)
			}
		}
	} else {
		actualFee = maxFee // full max_fee charged, no refund (spec §4.7 failure semantics)
	}

	// Nonce commit always happens on inclusion, whether the batch executed
	// cleanly or reverted (spec §4.7 state diagram, final box).
	d.Nonces.Advance(signer.Owner, nonceKey, advanceReason(nonceKey))

	receipt := &Receipt{
		Receipt: &types.Receipt{
			Logs: logs,
		},
		Status:            status,
		EffectiveFeeToken: feeToken,
		EffectiveFeePaid:  actualFee,
		BrickUsed:         brickUsed(calls),
		ContractAddress:   contractAddr,
		RevertReason:      revertReason,
	}
	receipt.GasUsed = used
	if status == StatusExecuted {
		receipt.Receipt.Status = types.ReceiptStatusSuccessful
	} else {
		receipt.Receipt.Status = types.ReceiptStatusFailed
		receipt.Logs = nil // logs from a failed batch are dropped (spec §4.7 "Batch semantics")
	}

	log.Debug("core: transaction included", "owner", signer.Owner, "status", status, "gas_used", used,
		"fee_token", feeToken, "fee_paid", actualFee, "reason", tempotracing.BalanceChangeFee.String())
	if execErr != nil {
		log.Debug("core: batch reverted", "owner", signer.Owner, "err", execErr, "reason", revertReason)
	}
	if d.metrics != nil {
		d.metrics.ObserveGasUsed(used, status.String())
		d.metrics.ObserveFeeCollected(feeToken, actualFee)
	}
	return receipt, nil
}

func advanceReason(nonceKey uint64) tempotracing.NonceChangeReason {
	if nonceKey == 0 {
		return tempotracing.NonceChangeProtocolAdvance
	}
	return tempotracing.NonceChange2DAdvance
}

// brickUsed computes the second, unenforced storage-metering dimension
// (spec §9 Open Question, SPEC_FULL.md decision): one unit per 32-byte word
// of calldata across the batch, a placeholder proxy for state growth that
// is never charged while chainparams.BrickMeteringEnabled is false.
func brickUsed(calls []txtypes.Call) uint64 {
	var words uint64
	for _, c := range calls {
		words += (uint64(len(c.Data)) + 31) / 32
	}
	return words
}

// runBatch executes calls[0..N) as a single atomic EVM transaction frame
// (spec §4.7 "Batch semantics"): state mutations of call i are visible to
// call i+1, and if any call reverts every preceding mutation in the batch
// (storage, balances, inner-CREATE nonces, logs) is discarded via a single
// state snapshot taken before the first call.
func (d *Driver) runBatch(env *txtypes.Envelope, calls []txtypes.Call, signer accesskey.TxSigner, bctx BlockContext,
	gasLimit uint64, gasPrice *big.Int, protocolNonceSnapshot uint64, used *uint64) (Status, []*types.Log, *common.Address, string, error) {

	snapshotID := d.db.Snapshot()

	blockCtx := blockContextFor(bctx)
	evm := gethvm.NewEVM(blockCtx, d.db, d.chainCfg, gethvm.Config{})
	gp := new(gethcore.GasPool).AddGas(gasLimit)
	if err := gp.SubGas(*used); err != nil {
		d.db.RevertToSnapshot(snapshotID)
		return StatusReverted, nil, nil, "", err
	}

	var logs []*types.Log
	var contractAddr *common.Address

	for i, call := range calls {
		var to *common.Address
		if call.To != nil {
			to = call.To
		}

		// Calls targeting the access-key registry or a deployed TIP-20
		// token are dispatched directly against their stateful precompile
		// surface, carrying the transaction-signer slot recovered by C1/C3
		// (spec §4.3, §9) so delegated-key spending limits are actually
		// enforced; they never reach the black-box EVM interpreter, since
		// there is no byte code at these addresses for it to run.
		if to != nil && *to == chainparams.AccessKeyRegistryAddress {
			if _, err := d.keysPrecompile.Dispatch(signer.Owner, call.Data, signer); err != nil {
				d.db.RevertToSnapshot(snapshotID)
				*used = gasLimit
				return StatusReverted, nil, nil, err.Error(), err
			}
			continue
		}
		if to != nil && chainparams.IsTIP20Address(*to) {
			precompile, err := tip20.NewPrecompile(tip20.New(d.db, *to), d.Keys)
			if err != nil {
				panic(fmt.Sprintf("core: tip20 precompile ABI: %v", err))
			}
			if _, err := precompile.Dispatch(signer.Owner, call.Data, signer); err != nil {
				d.db.RevertToSnapshot(snapshotID)
				*used = gasLimit
				return StatusReverted, nil, nil, err.Error(), err
			}
			continue
		}

		createNonce := protocolNonceSnapshot
		msg := &gethcore.Message{
			From:              signer.Owner,
			To:                to,
			Nonce:             createNonce,
			Value:             new(big.Int),
			GasLimit:          gp.Gas(),
			GasPrice:          gasPrice,
			GasFeeCap:         gasPrice,
			GasTipCap:         gasPrice,
			Data:              call.Data,
			SkipAccountChecks: true,
		}
		evm.SetTxContext(gethcore.NewEVMTxContext(msg))

		result, err := d.engine.Call(evm, gp, msg)
		if err != nil {
			d.db.RevertToSnapshot(snapshotID)
			*used = gasLimit
			return StatusReverted, nil, nil, "", fmt.Errorf("core: call %d: %w", i, err)
		}
		*used += result.UsedGas
		if result.Err != nil {
			d.db.RevertToSnapshot(snapshotID)
			*used = gasLimit
			return StatusReverted, nil, nil, tempotracing.DecodeRevertReason(result.Revert()), result.Err
		}
		if to == nil && contractAddr == nil {
			addr := crypto.CreateAddress(signer.Owner, createNonce)
			contractAddr = &addr
		}
	}

	return StatusExecuted, logs, contractAddr, "", nil
}
