package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"assetrails/internal/faults"
)

// FakeLedger scripts ledger behaviour deterministically for tests. Submitted
// calls produce hashes derived from the payload, receipts and logs are staged
// by the test.
type FakeLedger struct {
	mu         sync.Mutex
	nonce      uint64
	head       uint64
	blockTimes map[uint64]uint64
	receipts   map[common.Hash]*Receipt
	logs       []types.Log
	submitted  []Call
	submitErr  error
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		blockTimes: make(map[uint64]uint64),
		receipts:   make(map[common.Hash]*Receipt),
	}
}

// FailSubmissions makes every Submit return err until cleared with nil.
func (f *FakeLedger) FailSubmissions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// SetHead advances the scripted chain head.
func (f *FakeLedger) SetHead(block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = block
}

// SetBlockTime stages the timestamp for a block.
func (f *FakeLedger) SetBlockTime(block, unix uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTimes[block] = unix
}

// StageReceipt stages the receipt AwaitConfirmation will return for txHash.
func (f *FakeLedger) StageReceipt(r *Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[r.TxHash] = r
}

// AppendLog adds a raw log to the scripted event history.
func (f *FakeLedger) AppendLog(lg types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, lg)
	if lg.BlockNumber > f.head {
		f.head = lg.BlockNumber
	}
}

// Submitted returns the calls submitted so far.
func (f *FakeLedger) Submitted() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// TxHashFor computes the hash Submit will assign to the nth submission of
// method, so tests can stage receipts up front.
func TxHashFor(method string, nonce uint64) common.Hash {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", method, nonce)))
	return common.BytesToHash(sum[:])
}

func (f *FakeLedger) Submit(_ context.Context, call Call) (PendingHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return PendingHandle{}, f.submitErr
	}
	nonce := f.nonce
	if call.Nonce != nil {
		nonce = *call.Nonce
	} else {
		f.nonce++
	}
	f.submitted = append(f.submitted, call)
	return PendingHandle{TxHash: TxHashFor(call.Method, nonce), Nonce: nonce}, nil
}

func (f *FakeLedger) AwaitConfirmation(ctx context.Context, h PendingHandle, _ uint64) (*Receipt, error) {
	f.mu.Lock()
	r, ok := f.receipts[h.TxHash]
	f.mu.Unlock()
	if !ok {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: receipt not staged", ErrConfirmationTimeout)
		}
	}
	return r, nil
}

func (f *FakeLedger) QueryLogs(_ context.Context, fromBlock, toBlock uint64, topics []common.Hash) ([]types.Log, error) {
	topicSet := make(map[common.Hash]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < fromBlock || lg.BlockNumber > toBlock {
			continue
		}
		if len(topics) > 0 && (len(lg.Topics) == 0 || !topicSet[lg.Topics[0]]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *FakeLedger) Head(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeLedger) BlockTime(_ context.Context, block uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.blockTimes[block]; ok {
		return ts, nil
	}
	return 0, faults.Transient(fmt.Errorf("block %d not staged", block))
}

var _ Client = (*FakeLedger)(nil)
