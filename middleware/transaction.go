package middleware

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crucible-sim/crucible/environment"
)

// buildReceipt synthesizes a transaction receipt from the environment's
// execution result and per-block counters.
//
// The simulator computes no trie roots, so transaction and block hashes
// are deterministic stand-ins: SHA-256 over sender-and-calldata and over
// the decimal block number respectively. They are reproducible across
// runs but not Keccak-consistent with a live chain. The bloom accrues the
// address and every topic of every emitted log. Status is always
// successful: failed executions never produce a receipt, they return an
// error from SendTransaction instead.
func (c *Client) buildReceipt(tx environment.TxEnv, gasPrice *big.Int, res environment.ExecResult, rd environment.ReceiptData) *types.Receipt {
	var bloom types.Bloom
	for _, lg := range res.Logs {
		bloom.Add(lg.Address.Bytes())
		for _, topic := range lg.Topics {
			bloom.Add(topic.Bytes())
		}
	}

	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: rd.CumulativeGasPerBlock.Uint64(),
		Bloom:             bloom,
		Logs:              res.Logs,
		TxHash:            environment.PseudoTxHash(tx.Caller, tx.Data),
		GasUsed:           res.GasUsed,
		EffectiveGasPrice: new(big.Int).Set(gasPrice),
		BlockHash:         environment.PseudoBlockHash(rd.BlockNumber),
		BlockNumber:       new(big.Int).SetUint64(rd.BlockNumber),
		TransactionIndex:  uint(rd.TransactionIndex),
	}
	if res.ContractAddress != nil {
		receipt.ContractAddress = *res.ContractAddress
	}
	return receipt
}

// PendingTransaction is a handle to a transaction submitted through
// SendTransaction. The simulator executes transactions synchronously, so
// the handle is born resolved: the receipt is available immediately and
// any awaiter returns without polling.
type PendingTransaction struct {
	receipt *types.Receipt
}

func newPendingTransaction(receipt *types.Receipt) *PendingTransaction {
	return &PendingTransaction{receipt: receipt}
}

// Hash returns the transaction's pseudo-hash.
func (p *PendingTransaction) Hash() common.Hash {
	return p.receipt.TxHash
}

// Receipt returns the synthesized receipt.
func (p *PendingTransaction) Receipt() *types.Receipt {
	return p.receipt
}

// Wait blocks until the receipt is ready. It resolves immediately; the
// context is consulted only for early cancellation.
func (p *PendingTransaction) Wait(ctx context.Context) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.receipt, nil
}
