package ledger

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketABI is the certificate market contract surface the orchestrator
// depends on: minting plus the escrow lifecycle.
const MarketABI = `[
  {"type":"function","name":"mintNFT","stateMutability":"nonpayable","inputs":[{"name":"tokenURI","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releaseEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"EscrowCreated","inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"EscrowReleased","inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"EscrowRefunded","inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

// EventKind identifies a decoded contract event.
type EventKind string

const (
	KindTransfer       EventKind = "Transfer"
	KindEscrowCreated  EventKind = "EscrowCreated"
	KindEscrowReleased EventKind = "EscrowReleased"
	KindEscrowRefunded EventKind = "EscrowRefunded"
)

var (
	TopicTransfer       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicEscrowCreated  = crypto.Keccak256Hash([]byte("EscrowCreated(uint256,address,uint256)"))
	TopicEscrowReleased = crypto.Keccak256Hash([]byte("EscrowReleased(uint256,address,uint256)"))
	TopicEscrowRefunded = crypto.Keccak256Hash([]byte("EscrowRefunded(uint256,address,uint256)"))
)

// EscrowTopics is the topic set the reconciliation scanner subscribes to.
func EscrowTopics() []common.Hash {
	return []common.Hash{TopicEscrowCreated, TopicEscrowReleased, TopicEscrowRefunded}
}

// DecodedEvent is one typed contract event with its ledger position.
type DecodedEvent struct {
	Kind     EventKind
	From     common.Address // Transfer only
	To       common.Address // Transfer only
	TokenID  *big.Int       // Transfer only
	EscrowID *big.Int
	Buyer    common.Address
	Amount   *big.Int
	TxHash   common.Hash
	Position Position
}

// IsMint reports whether the event is an ownership transfer from the zero
// identity, i.e. a fresh mint.
func (e DecodedEvent) IsMint() bool {
	return e.Kind == KindTransfer && e.From == (common.Address{})
}

// DecodeEvents parses raw logs into typed events ordered by ledger position.
// Unknown or malformed entries are skipped and counted, never fatal.
func DecodeEvents(logs []types.Log) ([]DecodedEvent, int) {
	decoded := make([]DecodedEvent, 0, len(logs))
	skipped := 0
	for _, lg := range logs {
		ev, ok := decodeLog(lg)
		if !ok {
			skipped++
			continue
		}
		decoded = append(decoded, ev)
	}
	sort.Slice(decoded, func(i, j int) bool {
		return decoded[i].Position.Before(decoded[j].Position)
	})
	return decoded, skipped
}

func decodeLog(lg types.Log) (DecodedEvent, bool) {
	if len(lg.Topics) == 0 {
		return DecodedEvent{}, false
	}
	ev := DecodedEvent{
		TxHash:   lg.TxHash,
		Position: Position{Block: lg.BlockNumber, Index: lg.Index},
	}
	switch lg.Topics[0] {
	case TopicTransfer:
		if len(lg.Topics) != 4 {
			return DecodedEvent{}, false
		}
		ev.Kind = KindTransfer
		ev.From = common.BytesToAddress(lg.Topics[1].Bytes())
		ev.To = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.TokenID = new(big.Int).SetBytes(lg.Topics[3].Bytes())
		return ev, true
	case TopicEscrowCreated, TopicEscrowReleased, TopicEscrowRefunded:
		if len(lg.Topics) != 3 || len(lg.Data) != 32 {
			return DecodedEvent{}, false
		}
		switch lg.Topics[0] {
		case TopicEscrowCreated:
			ev.Kind = KindEscrowCreated
		case TopicEscrowReleased:
			ev.Kind = KindEscrowReleased
		default:
			ev.Kind = KindEscrowRefunded
		}
		ev.EscrowID = new(big.Int).SetBytes(lg.Topics[1].Bytes())
		ev.Buyer = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Amount = new(big.Int).SetBytes(lg.Data)
		return ev, true
	default:
		return DecodedEvent{}, false
	}
}

// NewEscrowLog builds a raw escrow event log. Used by the fake ledger and by
// tests scripting event histories.
func NewEscrowLog(topic common.Hash, escrowID *big.Int, buyer common.Address, amount *big.Int, block uint64, index uint, txHash common.Hash) types.Log {
	return types.Log{
		Topics: []common.Hash{
			topic,
			common.BigToHash(escrowID),
			common.BytesToHash(buyer.Bytes()),
		},
		Data:        common.BigToHash(amount).Bytes(),
		BlockNumber: block,
		Index:       index,
		TxHash:      txHash,
	}
}

// NewTransferLog builds a raw Transfer event log.
func NewTransferLog(from, to common.Address, tokenID *big.Int, block uint64, index uint, txHash common.Hash) types.Log {
	return types.Log{
		Topics: []common.Hash{
			TopicTransfer,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
		BlockNumber: block,
		Index:       index,
		TxHash:      txHash,
	}
}
