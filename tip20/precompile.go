package tip20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tempo-network/tempo-core/accesskey"
)

// tokenABI is the ERC-20-superset surface every TIP-20 contract exposes
// (spec §6): transfer/transferFrom/approve/mint/burn plus the read-only
// balanceOf/allowance/totalSupply/currency. Packing/unpacking follows the
// same accounts/abi idiom as accesskey/precompile.go.
const tokenABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"burn","inputs":[{"name":"from","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"currency","inputs":[],"outputs":[{"type":"bytes32"}]}
]`

// Precompile exposes a Token over ABI-encoded calldata.
type Precompile struct {
	token *Token
	reg   *accesskey.Registry
	abi   abi.ABI
}

// NewPrecompile binds abi-dispatched calls to token, enforcing access-key
// spending limits against reg (nil disables limit enforcement, e.g. for
// internal fee-manager transfers that are never delegated-key signed).
func NewPrecompile(token *Token, reg *accesskey.Registry) (*Precompile, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("tip20: parse ABI: %w", err)
	}
	return &Precompile{token: token, reg: reg, abi: parsed}, nil
}

// Dispatch decodes calldata and invokes the matching Token method, with
// caller as the call's `from` and signer as the transaction-signer slot
// (spec §4.3) used to enforce delegated-key spending limits on transfers.
func (p *Precompile) Dispatch(caller common.Address, calldata []byte, signer accesskey.TxSigner) ([]byte, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("tip20: calldata too short")
	}
	method, err := p.abi.MethodById(calldata[:4])
	if err != nil {
		return nil, fmt.Errorf("tip20: unknown selector: %w", err)
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("tip20: unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "transfer":
		to := args[0].(common.Address)
		amount := args[1].(*big.Int)
		return nil, p.token.Transfer(caller, to, amount, signer, p.reg)

	case "transferFrom":
		from := args[0].(common.Address)
		to := args[1].(common.Address)
		amount := args[2].(*big.Int)
		return nil, p.token.TransferFrom(caller, from, to, amount, signer, p.reg)

	case "approve":
		spender := args[0].(common.Address)
		amount := args[1].(*big.Int)
		return nil, p.token.Approve(caller, spender, amount)

	case "mint":
		to := args[0].(common.Address)
		amount := args[1].(*big.Int)
		return nil, p.token.Mint(caller, to, amount)

	case "burn":
		from := args[0].(common.Address)
		amount := args[1].(*big.Int)
		return nil, p.token.Burn(caller, from, amount)

	case "balanceOf":
		owner := args[0].(common.Address)
		return method.Outputs.Pack(p.token.BalanceOf(owner))

	case "allowance":
		owner := args[0].(common.Address)
		spender := args[1].(common.Address)
		return method.Outputs.Pack(p.token.Allowance(owner, spender))

	case "totalSupply":
		return method.Outputs.Pack(p.token.TotalSupply())

	case "currency":
		return method.Outputs.Pack(p.token.CurrencyHash())

	default:
		return nil, fmt.Errorf("tip20: unhandled method %s", method.Name)
	}
}
