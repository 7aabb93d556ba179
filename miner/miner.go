// Package miner adapts the block-assembly surface this repository touches:
// the end-of-block fee settlement trigger and the per-block guard against a
// validator changing its preferred fee token while it is itself proposing
// (spec §4.5, §4.7 "Block-end settlement failure: fatal"). Real block
// assembly, consensus, and P2P are out of scope (spec.md §1) — this package
// exists only to drive the one block-boundary hook the execution core
// contractually owns.
package miner

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tempo-network/tempo-core/core"
	"github.com/tempo-network/tempo-core/feemanager"
)

// BlockBuilder tracks which validator is proposing the in-progress block
// and drives that block's end-of-block settlement through the driver's fee
// manager. It replaces the teacher's build-tag-selected revmBuild flag with
// a real per-block decision the execution core actually needs: which
// validator, if any, may not change its preferred fee token right now.
type BlockBuilder struct {
	driver    *core.Driver
	proposer  common.Address
}

// NewBlockBuilder returns a block builder driving driver's components for
// the block currently being assembled, proposed by proposer.
func NewBlockBuilder(driver *core.Driver, proposer common.Address) *BlockBuilder {
	return &BlockBuilder{driver: driver, proposer: proposer}
}

// IsProposerThisBlock reports whether validator is this block's proposer,
// the guard SetValidatorToken needs (spec §4.5: "cannot change while
// proposer this block").
func (b *BlockBuilder) IsProposerThisBlock(validator common.Address) bool {
	return validator == b.proposer
}

// SetValidatorToken changes validator's preferred settlement token subject
// to the proposer and uncollected-fees guards, threading IsProposerThisBlock
// through automatically so callers never need to pass it by hand.
func (b *BlockBuilder) SetValidatorToken(validator, token common.Address) error {
	return b.driver.Fees.SetValidatorToken(validator, token, b.IsProposerThisBlock(validator))
}

// EndOfBlock settles every validator's accrued fees for the block just
// closed (spec §4.5 "Per-block settlement"). A non-nil error here is the
// one Fatal error kind of spec §7: "these indicate a protocol bug and halt
// processing" — log.Crit reports it and terminates the process, the same
// severity go-ethereum itself reserves for unrecoverable consensus-layer
// invariant violations.
func (b *BlockBuilder) EndOfBlock() []feemanager.Settlement {
	settlements, err := b.driver.Fees.EndOfBlock()
	if err != nil {
		log.Crit("miner: end-of-block settlement failed", "proposer", b.proposer, "err", err)
	}
	log.Debug("miner: end-of-block settled", "proposer", b.proposer, "settlements", len(settlements))
	return settlements
}
