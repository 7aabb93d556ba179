package accesskey

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tempo-network/tempo-core/sig"
)

// precompileABI is the EVM-callable surface of the access-key registry
// (spec §6 "Precompiles"). Packing/unpacking follows the same
// accounts/abi idiom used for the AA wallet's execute() call in
// other_examples' aa_wallet.go, adapted from a client-side ABI.JSON/Pack
// pair into a server-side ABI.JSON/UnpackIntoInterface dispatcher.
const precompileABI = `[
	{"type":"function","name":"authorize","inputs":[
		{"name":"keyId","type":"address"},
		{"name":"sigAlgo","type":"uint8"},
		{"name":"expiry","type":"uint64"},
		{"name":"enforceLimits","type":"bool"}
	]},
	{"type":"function","name":"revoke","inputs":[{"name":"keyId","type":"address"}]},
	{"type":"function","name":"updateTokenLimit","inputs":[
		{"name":"keyId","type":"address"},
		{"name":"token","type":"address"},
		{"name":"newAmount","type":"uint256"}
	]},
	{"type":"function","name":"updateCurrencyLimit","inputs":[
		{"name":"keyId","type":"address"},
		{"name":"currency","type":"bytes32"},
		{"name":"newAmount","type":"uint256"}
	]}
]`

// Precompile exposes Registry over the ABI-encoded calldata surface a Tempo
// call targeting chainparams.AccessKeyRegistryAddress would carry.
type Precompile struct {
	reg *Registry
	abi abi.ABI
}

// NewPrecompile parses the registry ABI once and binds it to reg.
func NewPrecompile(reg *Registry) (*Precompile, error) {
	parsed, err := abi.JSON(strings.NewReader(precompileABI))
	if err != nil {
		return nil, fmt.Errorf("accesskey: parse ABI: %w", err)
	}
	return &Precompile{reg: reg, abi: parsed}, nil
}

// Dispatch decodes calldata and invokes the matching Registry method as
// owner, authenticated per signer (the transient signer slot of spec §4.3).
func (p *Precompile) Dispatch(owner common.Address, calldata []byte, signer TxSigner) ([]byte, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("accesskey: calldata too short")
	}
	method, err := p.abi.MethodById(calldata[:4])
	if err != nil {
		return nil, fmt.Errorf("accesskey: unknown selector: %w", err)
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("accesskey: unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "authorize":
		keyID := args[0].(common.Address)
		algoRaw := args[1].(uint8)
		expiry := args[2].(uint64)
		enforce := args[3].(bool)
		return nil, p.reg.Authorize(owner, keyID, sig.Algo(algoRaw), expiry, enforce, nil, nil, signer)

	case "revoke":
		keyID := args[0].(common.Address)
		return nil, p.reg.Revoke(owner, keyID, signer)

	case "updateTokenLimit":
		keyID := args[0].(common.Address)
		token := args[1].(common.Address)
		amount := args[2].(*big.Int)
		return nil, p.reg.UpdateTokenLimit(owner, keyID, token, amount, signer)

	case "updateCurrencyLimit":
		keyID := args[0].(common.Address)
		currency := common.Hash(args[1].([32]byte))
		amount := args[2].(*big.Int)
		return nil, p.reg.UpdateCurrencyLimit(owner, keyID, currency, amount, signer)

	default:
		return nil, fmt.Errorf("accesskey: unhandled method %s", method.Name)
	}
}
