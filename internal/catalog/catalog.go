package catalog

import (
	"context"
	"errors"

	"assetrails/internal/escrow"
)

// ListingState is the lifecycle of a catalog listing.
type ListingState string

const (
	ListingDraft    ListingState = "draft"
	ListingMinted   ListingState = "minted"
	ListingListed   ListingState = "listed"
	ListingEscrowed ListingState = "escrowed"
	ListingSold     ListingState = "sold"
)

// Listing is the seller-created catalog record. Title, description and price
// are opaque to the orchestration core. Owner changes on confirmed transfer
// only. Listings are never deleted, only deactivated.
type Listing struct {
	ID            string
	Title         string
	Description   string
	Price         string // decimal string in ledger-native units
	Owner         string
	CertificateID string // empty until minted
	AssetAddress  string // content address of the primary asset bytes
	MetadataAddr  string // content address of the certificate metadata
	PendingMintTx string // tx hash persisted before awaiting confirmation
	PendingNonce  uint64
	State         ListingState
	Active        bool
	Version       int64
}

// Certificate mirrors the minted asset identity. Immutable after creation
// except for Owner, which only a confirmed ledger event may change.
type Certificate struct {
	ID           string
	MetadataAddr string
	Owner        string
	MintTxRef    string
	Version      int64
}

// Escrow is the locally cached snapshot of a ledger escrow. Status mutates
// only through observed ledger events applied by the reconciliation scanner.
type Escrow struct {
	ID            string
	Buyer         string
	Seller        string
	Amount        string
	CertificateID string
	Status        escrow.Status
	CreatedAt     int64 // ledger block time, authoritative
	Deadline      int64 // CreatedAt + holding period
	Version       int64
}

// EscrowIntent maps a locally submitted escrow-create transaction to the
// listing it targets, so the scanner can bind the ledger-assigned escrow id
// back to the certificate when the creation event is observed.
type EscrowIntent struct {
	TxHash        string
	ListingID     string
	CertificateID string
	Seller        string
	Buyer         string
	Amount        string
}

// Cursor is the durable bookmark of the last ledger position whose events
// have been applied. It advances only after the batch up to that position is
// durably written; advance-then-apply would lose events on crash.
type Cursor struct {
	Topic    string
	Block    uint64
	LogIndex uint
	Version  int64
}

// Behind reports whether the cursor is strictly before (block, index).
func (c Cursor) Behind(block uint64, index uint) bool {
	if c.Block != block {
		return c.Block < block
	}
	return c.LogIndex < index
}

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("stored version differs from read version")
	ErrEntityLocked    = errors.New("entity has an in-flight operation")
	ErrLeaseHeld       = errors.New("writer lease held elsewhere")
)

// Store is the durable catalog. All writes are optimistically versioned: a
// Put with Version n succeeds only when the stored version is still n, and
// stores n+1. Version 0 means insert.
type Store interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
	PutListing(ctx context.Context, l *Listing) error
	ListingByCertificate(ctx context.Context, certificateID string) (*Listing, error)

	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	PutCertificate(ctx context.Context, c *Certificate) error

	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	PutEscrow(ctx context.Context, e *Escrow) error

	GetEscrowIntent(ctx context.Context, txHash string) (*EscrowIntent, error)
	PutEscrowIntent(ctx context.Context, in *EscrowIntent) error

	GetCursor(ctx context.Context, topic string) (*Cursor, error)
	PutCursor(ctx context.Context, c *Cursor) error

	// LockEntity takes the per-entity advisory lock guarding in-flight
	// orchestration steps. Returns ErrEntityLocked without blocking when the
	// lock is already held. The returned func releases the lock.
	LockEntity(ctx context.Context, key string) (func(), error)

	// AcquireLease takes the exclusive writer lease for name, keyed by store
	// identity. Returns ErrLeaseHeld when another holder exists.
	AcquireLease(ctx context.Context, name string) (func(), error)

	Ping(ctx context.Context) error
}
