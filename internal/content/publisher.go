package content

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Address is a content address: a CIDv1 string derived from the bytes alone,
// so the same bytes always publish to the same address.
type Address string

// Publisher stores raw bytes durably and returns their content address.
// Publishing is idempotent per content hash.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (Address, error)
}

// ComputeAddress returns the CIDv1 (raw codec, sha2-256) for data.
func ComputeAddress(data []byte) (Address, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return Address(cid.NewCidV1(cid.Raw, sum).String()), nil
}

// URI renders the address as a certificate URI.
func (a Address) URI() string {
	if a == "" {
		return ""
	}
	return "ipfs://" + string(a)
}

// MemoryPublisher keeps published objects in memory. Mostly for testing.
type MemoryPublisher struct {
	mu      sync.Mutex
	objects map[Address][]byte
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{objects: make(map[Address][]byte)}
}

func (m *MemoryPublisher) Publish(_ context.Context, data []byte) (Address, error) {
	addr, err := ComputeAddress(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[addr] = append([]byte(nil), data...)
	return addr, nil
}

// Get returns the stored bytes for addr, if any.
func (m *MemoryPublisher) Get(addr Address) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[addr]
	return data, ok
}
