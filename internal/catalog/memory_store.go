package catalog

import (
	"context"
	"sync"
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[string]Listing
	certs    map[string]Certificate
	escrows  map[string]Escrow
	intents  map[string]EscrowIntent
	cursors  map[string]Cursor
	locks    map[string]bool
	leases   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]Listing),
		certs:    make(map[string]Certificate),
		escrows:  make(map[string]Escrow),
		intents:  make(map[string]EscrowIntent),
		cursors:  make(map[string]Cursor),
		locks:    make(map[string]bool),
		leases:   make(map[string]bool),
	}
}

func checkVersion(stored int64, exists bool, incoming int64) error {
	if !exists {
		if incoming != 0 {
			return ErrVersionConflict
		}
		return nil
	}
	if stored != incoming {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *MemoryStore) PutListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.listings[l.ID]
	if err := checkVersion(stored.Version, ok, l.Version); err != nil {
		return err
	}
	l.Version++
	m.listings[l.ID] = *l
	return nil
}

func (m *MemoryStore) ListingByCertificate(_ context.Context, certificateID string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listings {
		if l.CertificateID != "" && l.CertificateID == certificateID {
			copied := l
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetCertificate(_ context.Context, id string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) PutCertificate(_ context.Context, c *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.certs[c.ID]
	if err := checkVersion(stored.Version, ok, c.Version); err != nil {
		return err
	}
	c.Version++
	m.certs[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) PutEscrow(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.escrows[e.ID]
	if err := checkVersion(stored.Version, ok, e.Version); err != nil {
		return err
	}
	e.Version++
	m.escrows[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetEscrowIntent(_ context.Context, txHash string) (*EscrowIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (m *MemoryStore) PutEscrowIntent(_ context.Context, in *EscrowIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[in.TxHash] = *in
	return nil
}

func (m *MemoryStore) GetCursor(_ context.Context, topic string) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[topic]
	if !ok {
		return &Cursor{Topic: topic}, nil
	}
	return &c, nil
}

func (m *MemoryStore) PutCursor(_ context.Context, c *Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.cursors[c.Topic]
	if ok && c.Version != stored.Version {
		return ErrVersionConflict
	}
	c.Version++
	m.cursors[c.Topic] = *c
	return nil
}

func (m *MemoryStore) LockEntity(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, ErrEntityLocked
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}, nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, name string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[name] {
		return nil, ErrLeaseHeld
	}
	m.leases[name] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.leases, name)
	}, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
