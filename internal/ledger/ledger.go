package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Position orders events by where the ledger recorded them.
type Position struct {
	Block uint64
	Index uint
}

// Before reports whether p was recorded strictly before q.
func (p Position) Before(q Position) bool {
	if p.Block != q.Block {
		return p.Block < q.Block
	}
	return p.Index < q.Index
}

// Call describes one contract invocation to submit.
type Call struct {
	Method string
	Args   []interface{}
	Value  *big.Int
	// Nonce pins the sequence number when resubmitting a timed-out
	// transaction. Nil lets the client assign the next one.
	Nonce *uint64
}

// PendingHandle identifies a submitted, not yet confirmed transaction. It is
// persisted by callers so a crash mid-wait resumes by re-polling instead of
// resubmitting.
type PendingHandle struct {
	TxHash common.Hash
	Nonce  uint64
}

// Receipt is the confirmed outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockTime   uint64
	Success     bool
	Logs        []types.Log
}

// Client wraps transaction submission, confirmation waiting and log retrieval
// for the ledger. Submit never blocks on confirmation.
type Client interface {
	Submit(ctx context.Context, call Call) (PendingHandle, error)
	AwaitConfirmation(ctx context.Context, h PendingHandle, minConfirmations uint64) (*Receipt, error)
	QueryLogs(ctx context.Context, fromBlock, toBlock uint64, topics []common.Hash) ([]types.Log, error)
	Head(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, block uint64) (uint64, error)
}
