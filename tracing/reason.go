// Package tracing carries the same kind of change-reason enums as
// go-ethereum's own core/tracing package, extended with the reasons this
// repo's fee manager, AMM, nonce store and TIP-20 transfers attach to the
// balance/nonce mutations they log. It is adapted from the teacher's
// tracing/revm_reason.go, which extended the same enums with REVM-specific
// reasons; here the extension is Tempo-specific instead.
package tracing

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// revertErrorABI packs/unpacks the two standard Solidity revert encodings,
// using the same accounts/abi JSON/Unpack idiom as the AA wallet's
// execute() call in other_examples' aa_wallet.go.
var revertErrorABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(`[
		{"type":"function","name":"Error","inputs":[{"name":"reason","type":"string"}]},
		{"type":"function","name":"Panic","inputs":[{"name":"code","type":"uint256"}]}
	]`))
	if err != nil {
		panic(err)
	}
	return a
}()

// DecodeRevertReason turns a reverted call's return data into a readable
// string for receipts (spec §7 "Error handling"), recognizing the two
// standard Solidity revert encodings: Error(string) for require/revert with
// a message, and Panic(uint256) for assert failures, arithmetic overflow,
// and similar compiler-inserted checks. Payloads shorter than a 4-byte
// selector yield the empty string; longer unrecognized payloads are reported
// as a raw hex string rather than discarded.
func DecodeRevertReason(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	switch string(data[:4]) {
	case string(revertErrorABI.Methods["Error"].ID):
		var reason string
		if err := revertErrorABI.UnpackIntoInterface(&reason, "Error", data[4:]); err == nil {
			return reason
		}
	case string(revertErrorABI.Methods["Panic"].ID):
		var code *big.Int
		if err := revertErrorABI.UnpackIntoInterface(&code, "Panic", data[4:]); err == nil {
			return "panic: code " + code.String()
		}
	}
	return hexutil.Encode(data)
}

// BalanceChangeReason is a description of the reason why a balance changed.
type BalanceChangeReason int

const (
	BalanceChangeUnspecified BalanceChangeReason = iota
	BalanceChangeNativeTransfer
	BalanceChangePrecompCost
	BalanceChangeReward
	BalanceChangeFee
	BalanceChangeIssuance
	BalanceChangeRefund
	BalanceChangeAirdrop
	BalanceChangeWithdrawal

	// Tempo-specific reasons.
	BalanceChangeFeePreCollect  // max_fee moved from fee payer to fee manager custody
	BalanceChangeFeeRefund      // unused portion of max_fee returned to fee payer
	BalanceChangeFeeSettle      // accrued validator fee swapped and credited
	BalanceChangeAMMSwap        // reserve movement inside a constant-product swap
	BalanceChangeAMMLiquidity   // add/remove liquidity reserve movement
	BalanceChangeAccessKeySpend // TIP-20 transfer signed by a delegated key
)

// NonceChangeReason is a description of the reason why a nonce changed.
type NonceChangeReason int

const (
	NonceChangeUnspecified NonceChangeReason = iota
	NonceChangeEoACall
	NonceChangeContractCreator

	// Tempo-specific reasons.
	NonceChangeProtocolAdvance   // single-dimensional protocol nonce, consumed unconditionally on inclusion
	NonceChange2DAdvance         // a (account, nonce_key>0) counter advance
	NonceChangeAuthorization7702 // EIP-7702 authorization-list entry applied
)

// String returns a human-readable string for the reason.
func (r BalanceChangeReason) String() string {
	switch r {
	case BalanceChangeUnspecified:
		return "unspecified"
	case BalanceChangeNativeTransfer:
		return "native_transfer"
	case BalanceChangePrecompCost:
		return "precomp_cost"
	case BalanceChangeReward:
		return "reward"
	case BalanceChangeFee:
		return "fee"
	case BalanceChangeIssuance:
		return "issuance"
	case BalanceChangeRefund:
		return "refund"
	case BalanceChangeAirdrop:
		return "airdrop"
	case BalanceChangeWithdrawal:
		return "withdrawal"
	case BalanceChangeFeePreCollect:
		return "fee_pre_collect"
	case BalanceChangeFeeRefund:
		return "fee_refund"
	case BalanceChangeFeeSettle:
		return "fee_settle"
	case BalanceChangeAMMSwap:
		return "amm_swap"
	case BalanceChangeAMMLiquidity:
		return "amm_liquidity"
	case BalanceChangeAccessKeySpend:
		return "access_key_spend"
	}
	return "unknown"
}

// String returns a human-readable string for the reason.
func (r NonceChangeReason) String() string {
	switch r {
	case NonceChangeUnspecified:
		return "unspecified"
	case NonceChangeEoACall:
		return "eoa_call"
	case NonceChangeContractCreator:
		return "contract_creator"
	case NonceChangeProtocolAdvance:
		return "protocol_advance"
	case NonceChange2DAdvance:
		return "nonce_2d_advance"
	case NonceChangeAuthorization7702:
		return "authorization_7702"
	}
	return "unknown"
}
