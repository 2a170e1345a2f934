package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assetrails/internal/catalog"
	"assetrails/internal/escrow"
	"assetrails/internal/faults"
	"assetrails/internal/ledger"
	"assetrails/internal/minting"
)

// OperationState tracks one asynchronous request.
type OperationState string

const (
	OpPending OperationState = "pending"
	OpDone    OperationState = "done"
	OpFailed  OperationState = "failed"
)

// Operation is the tracking record behind a returned handle. Final escrow
// state is still observed via EscrowStatus polling; the operation only tracks
// the submission leg.
type Operation struct {
	Handle string
	Kind   string
	State  OperationState
	TxHash string
	Error  string

	finished time.Time
}

// Config carries the deployed escrow policy.
type Config struct {
	HoldingPeriod    time.Duration
	ReleasePolicy    escrow.ReleasePolicy
	MinConfirmations uint64
	// SubmitTimeout bounds the background leg of an async request. The
	// ledger transaction itself is never retracted on timeout.
	SubmitTimeout time.Duration
	// OperationRetention is how long a finished operation stays pollable.
	// Records past retention are dropped when new operations are created.
	OperationRetention time.Duration
}

// Service is the entry point consumed by the API layer. All request methods
// return immediately with a tracking handle; submission runs in a background
// task guarded by the per-entity lock.
type Service struct {
	store  catalog.Store
	ledger ledger.Client
	minter *minting.Orchestrator
	cfg    Config
	nowFn  func() time.Time

	opMu sync.Mutex
	ops  map[string]*Operation
}

func New(store catalog.Store, lc ledger.Client, minter *minting.Orchestrator, cfg Config) *Service {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Minute
	}
	if cfg.OperationRetention <= 0 {
		cfg.OperationRetention = time.Hour
	}
	return &Service{
		store:  store,
		ledger: lc,
		minter: minter,
		cfg:    cfg,
		nowFn:  time.Now,
		ops:    make(map[string]*Operation),
	}
}

// SetNowFunc overrides the time source. For tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

func (s *Service) newOperation(kind string) *Operation {
	op := &Operation{Handle: uuid.NewString(), Kind: kind, State: OpPending}
	now := s.nowFn()
	s.opMu.Lock()
	for h, old := range s.ops {
		if old.State != OpPending && now.Sub(old.finished) > s.cfg.OperationRetention {
			delete(s.ops, h)
		}
	}
	s.ops[op.Handle] = op
	s.opMu.Unlock()
	return op
}

func (s *Service) finish(op *Operation, txHash string, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	op.finished = s.nowFn()
	if err != nil {
		op.State = OpFailed
		op.Error = err.Error()
		return
	}
	op.State = OpDone
	op.TxHash = txHash
}

// GetOperation returns the tracking record for handle.
func (s *Service) GetOperation(handle string) (*Operation, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	op, ok := s.ops[handle]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	copied := *op
	return &copied, nil
}

// background runs fn detached from the request context: cancelling the HTTP
// request stops the caller from waiting, not the orchestration.
func (s *Service) background(op *Operation, fn func(ctx context.Context) (string, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
		defer cancel()
		txHash, err := fn(ctx)
		if err != nil {
			log.Printf("%s %s: %v", op.Kind, op.Handle, err)
		}
		s.finish(op, txHash, err)
	}()
}

// RequestMint starts the tokenization saga for a listing and returns a
// tracking handle.
func (s *Service) RequestMint(ctx context.Context, listingID string, asset []byte) (string, error) {
	if _, err := s.store.GetListing(ctx, listingID); err != nil {
		return "", err
	}
	op := s.newOperation("mint")
	s.background(op, func(ctx context.Context) (string, error) {
		cert, err := s.minter.Mint(ctx, listingID, asset)
		if err != nil {
			return "", err
		}
		// Freshly minted listings go straight up for sale.
		if err := s.listForSale(ctx, listingID); err != nil {
			return "", err
		}
		return cert.MintTxRef, nil
	})
	return op.Handle, nil
}

func (s *Service) listForSale(ctx context.Context, listingID string) error {
	for i := 0; i < 3; i++ {
		l, err := s.store.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.State != catalog.ListingMinted {
			return nil
		}
		l.State = catalog.ListingListed
		err = s.store.PutListing(ctx, l)
		if err == nil || !errors.Is(err, catalog.ErrVersionConflict) {
			return err
		}
	}
	return faults.Fatal(fmt.Errorf("listing %s: version conflicts exhausted", listingID))
}

var (
	ErrNotForSale    = errors.New("listing is not open for escrow")
	ErrBadAmount     = errors.New("amount is not a valid ledger value")
	ErrEscrowPending = errors.New("escrow submission already in flight")
)

// RequestEscrowCreate submits an escrow-create transaction funding the
// purchase of a listing and records the intent so the scanner can bind the
// ledger-assigned escrow id back to the certificate.
func (s *Service) RequestEscrowCreate(ctx context.Context, listingID, buyer, amount string) (string, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return "", err
	}
	if l.State != catalog.ListingListed || l.CertificateID == "" || !l.Active {
		return "", faults.Rejected(fmt.Errorf("%w: %s is %s", ErrNotForSale, listingID, l.State))
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() <= 0 {
		return "", faults.Rejected(fmt.Errorf("%w: %q", ErrBadAmount, amount))
	}
	tokenID, ok := new(big.Int).SetString(l.CertificateID, 10)
	if !ok {
		return "", faults.Fatal(fmt.Errorf("listing %s has malformed certificate id %q", listingID, l.CertificateID))
	}

	op := s.newOperation("escrow-create")
	s.background(op, func(ctx context.Context) (string, error) {
		unlock, err := s.store.LockEntity(ctx, "listing:"+listingID)
		if err != nil {
			if errors.Is(err, catalog.ErrEntityLocked) {
				return "", faults.Rejected(fmt.Errorf("%w: %s", ErrEscrowPending, listingID))
			}
			return "", err
		}
		defer unlock()

		handle, err := s.ledger.Submit(ctx, ledger.Call{
			Method: "createEscrow",
			Args:   []interface{}{tokenID},
			Value:  value,
		})
		if err != nil {
			return "", err
		}
		intent := &catalog.EscrowIntent{
			TxHash:        handle.TxHash.Hex(),
			ListingID:     l.ID,
			CertificateID: l.CertificateID,
			Seller:        l.Owner,
			Buyer:         buyer,
			Amount:        amount,
		}
		if err := s.store.PutEscrowIntent(ctx, intent); err != nil {
			return "", err
		}
		return handle.TxHash.Hex(), nil
	})
	return op.Handle, nil
}

// RequestRelease submits a release for an escrow after the local
// authorization gate passes. A rejected request produces no ledger
// round-trip.
func (s *Service) RequestRelease(ctx context.Context, escrowID, requester string) (string, error) {
	snap, err := s.snapshot(ctx, escrowID)
	if err != nil {
		return "", err
	}
	if err := escrow.AuthorizeRelease(snap, requester, s.nowFn().Unix(), s.cfg.ReleasePolicy); err != nil {
		return "", err
	}
	return s.submitSettlement(escrowID, "releaseEscrow", "escrow-release")
}

// RequestRefund submits a refund; buyer only, and only once the holding
// deadline has elapsed with the escrow still open.
func (s *Service) RequestRefund(ctx context.Context, escrowID, requester string) (string, error) {
	snap, err := s.snapshot(ctx, escrowID)
	if err != nil {
		return "", err
	}
	if err := escrow.AuthorizeRefund(snap, requester, s.nowFn().Unix()); err != nil {
		return "", err
	}
	return s.submitSettlement(escrowID, "refundEscrow", "escrow-refund")
}

func (s *Service) snapshot(ctx context.Context, escrowID string) (escrow.Snapshot, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return escrow.Snapshot{}, err
	}
	return escrow.Snapshot{
		ID:       e.ID,
		Buyer:    e.Buyer,
		Seller:   e.Seller,
		Status:   e.Status,
		Deadline: e.Deadline,
	}, nil
}

func (s *Service) submitSettlement(escrowID, method, kind string) (string, error) {
	id, ok := new(big.Int).SetString(escrowID, 10)
	if !ok {
		return "", faults.Rejected(fmt.Errorf("malformed escrow id %q", escrowID))
	}
	op := s.newOperation(kind)
	s.background(op, func(ctx context.Context) (string, error) {
		unlock, err := s.store.LockEntity(ctx, "escrow:"+escrowID)
		if err != nil {
			if errors.Is(err, catalog.ErrEntityLocked) {
				return "", faults.Rejected(fmt.Errorf("escrow %s has an in-flight settlement", escrowID))
			}
			return "", err
		}
		defer unlock()

		handle, err := s.ledger.Submit(ctx, ledger.Call{
			Method: method,
			Args:   []interface{}{id},
		})
		if err != nil {
			return "", err
		}
		return handle.TxHash.Hex(), nil
	})
	return op.Handle, nil
}

// EscrowStatus returns the reconciled snapshot for an escrow. Status always
// reflects observed ledger events; it is never inferred from timeouts.
func (s *Service) EscrowStatus(ctx context.Context, escrowID string) (*catalog.Escrow, error) {
	return s.store.GetEscrow(ctx, escrowID)
}

// Listing returns the catalog record for a listing.
func (s *Service) Listing(ctx context.Context, listingID string) (*catalog.Listing, error) {
	return s.store.GetListing(ctx, listingID)
}

// CreateListing registers a seller's draft listing.
func (s *Service) CreateListing(ctx context.Context, title, description, price, owner string) (*catalog.Listing, error) {
	if _, ok := new(big.Int).SetString(price, 10); !ok {
		return nil, faults.Rejected(fmt.Errorf("%w: %q", ErrBadAmount, price))
	}
	l := &catalog.Listing{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Price:       price,
		Owner:       owner,
		State:       catalog.ListingDraft,
		Active:      true,
	}
	if err := s.store.PutListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// DeactivateListing marks a listing inactive. Listings are never deleted.
func (s *Service) DeactivateListing(ctx context.Context, listingID, requester string) error {
	for i := 0; i < 3; i++ {
		l, err := s.store.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if requester == "" || !strings.EqualFold(l.Owner, requester) {
			return faults.Rejected(fmt.Errorf("listing %s: requester %s is not the owner", listingID, requester))
		}
		if !l.Active {
			return nil
		}
		l.Active = false
		err = s.store.PutListing(ctx, l)
		if err == nil || !errors.Is(err, catalog.ErrVersionConflict) {
			return err
		}
	}
	return faults.Fatal(fmt.Errorf("listing %s: version conflicts exhausted", listingID))
}
