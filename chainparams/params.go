// Package chainparams centralizes the protocol constants referenced by the
// transaction execution core, in the same spirit as go-ethereum's own
// params package centralizing ChainConfig and fork constants.
package chainparams

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/tempo-network/tempo-core/sig"
)

// Gas schedule (spec §4.7).
const (
	TxGas                   uint64 = 21_000
	ColdAccountAccessGas    uint64 = 2_600
	TxDataZeroGas           uint64 = 4
	TxDataNonZeroGas        uint64 = 16
	CreateGas               uint64 = 32_000
	InitcodeWordGas         uint64 = 2
	SetCodeAuthorizationGas uint64 = 25_000

	// Signature verification surcharges, cheapest to dearest (spec §4.7).
	Secp256k1VerifyGas uint64 = 3_000
	P256VerifyGas      uint64 = 6_900
	WebAuthnVerifyGas  uint64 = 9_000

	// Nonce store cold/warm surcharge (spec §4.2).
	NonceKeyColdGas uint64 = 20_000
	NonceKeyWarmGas uint64 = 2_900
)

// Initcode hard ceiling (spec §4.6), mirrors EIP-3860's 2x max code size.
const MaxInitcodeSize = 2 * 24576

// SigAlgoCost returns the published per-algorithm signature verification
// surcharge (spec §4.7 "Gas accounting" — "secp256k1 cheapest, WebAuthn
// dearest"), charged once per signature the execution driver recovers.
func SigAlgoCost(algo sig.Algo) uint64 {
	switch algo {
	case sig.P256:
		return P256VerifyGas
	case sig.WebAuthnP256:
		return WebAuthnVerifyGas
	default:
		return Secp256k1VerifyGas
	}
}

// AMM protocol constants (spec §4.4).
var (
	// MinimumLiquidity is permanently locked at pool creation so a pool's
	// reserves can never be drained to zero.
	MinimumLiquidity = big.NewInt(1_000)

	// SwapFeeNumerator/SwapFeeDenominator express the fee taken on
	// amount_in for every swap, e.g. 30/10000 = 0.30%.
	SwapFeeNumerator   = big.NewInt(30)
	SwapFeeDenominator = big.NewInt(10_000)

	MinimumLiquidityU256 = uint256.NewInt(1_000)
)

// SwapFeeNumeratorU256 and SwapFeeDenominatorU256 are uint256 views of the
// swap-fee fraction, for the AMM's reserve math which is kept in uint256
// throughout (see feeamm package doc).
func SwapFeeNumeratorU256() *uint256.Int   { return uint256.NewInt(30) }
func SwapFeeDenominatorU256() *uint256.Int { return uint256.NewInt(10_000) }

// DefaultFeeToken is the protocol-defined default stablecoin used when a
// transaction declares no fee token, no prior set_user_token call exists,
// and the call target is not itself a TIP-20 contract (spec §4.5 step 4).
var DefaultFeeToken = common.HexToAddress("0x0000000000000000000000000000000000Ad60")

// BrickMeteringEnabled gates the second ("brick") metering dimension
// discussed in spec §9. It is a chain-parameter decision, not a committed
// rule, and defaults to off: BrickUsed is still computed and carried on
// receipts, but the fee manager never charges for it while this is false.
var BrickMeteringEnabled = false

// Well-known precompile addresses (spec §6).
var (
	AccessKeyRegistryAddress = common.HexToAddress("0x0000000000000000000000000000000000Ad01")
	NonceStoreAddress        = common.HexToAddress("0x0000000000000000000000000000000000Ad02")
	FeeManagerAddress        = common.HexToAddress("0x0000000000000000000000000000000000Ad03")
	FeeAMMAddress            = common.HexToAddress("0x0000000000000000000000000000000000Ad04")
)

// TempoTxType is the envelope byte for the native batched transaction type
// (spec §3, §6).
const TempoTxType = 0x76

// TIP20AddressPrefix is the reserved leading byte for deployed TIP-20 token
// contracts (spec §4.5 step 1, "require it to be a valid TIP-20 (address
// prefix check)"). It is distinct from the fixed single-address precompiles
// above, which reserve the full 0x...Ad0N pattern; TIP-20 tokens are
// ordinary deployed contracts sharing only this one prefix byte.
const TIP20AddressPrefix = 0xAD

// IsTIP20Address reports whether addr falls in the address range reserved
// for TIP-20 token contracts.
func IsTIP20Address(addr common.Address) bool {
	return addr[0] == TIP20AddressPrefix
}
