package minting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"assetrails/internal/catalog"
	"assetrails/internal/content"
	"assetrails/internal/faults"
	"assetrails/internal/ledger"
)

// Step names how far a mint got before failing, so callers resume instead of
// restarting from the first step.
type Step int

const (
	StepPublishAsset Step = iota + 1
	StepPublishMetadata
	StepSubmit
	StepConfirm
	StepPersist
)

func (s Step) String() string {
	switch s {
	case StepPublishAsset:
		return "publish-asset"
	case StepPublishMetadata:
		return "publish-metadata"
	case StepSubmit:
		return "submit"
	case StepConfirm:
		return "confirm"
	case StepPersist:
		return "persist"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// MintError reports a failed mint together with the step it failed at.
type MintError struct {
	Step Step
	Err  error
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint failed at %s: %v", e.Step, e.Err)
}

func (e *MintError) Unwrap() error { return e.Err }

// ErrCertificateNotFound: the confirmed mint receipt carried no ownership
// transfer from the zero identity. The mint succeeded on-ledger in an
// unexpected shape; retrying would mint twice, so this surfaces for manual
// reconciliation.
var ErrCertificateNotFound = errors.New("no mint transfer event in receipt")

// ErrMintInFlight: another mint holds the listing's advisory lock.
var ErrMintInFlight = errors.New("mint already in flight for listing")

// RetryPolicy bounds publish retries.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Orchestrator sequences content publication, mint submission, confirmation
// and certificate persistence for a listing. Every step is idempotent:
// partial progress is persisted on the listing and skipped on retry.
type Orchestrator struct {
	store            catalog.Store
	publisher        content.Publisher
	ledger           ledger.Client
	retry            RetryPolicy
	minConfirmations uint64
}

func New(store catalog.Store, publisher content.Publisher, lc ledger.Client, retry RetryPolicy, minConfirmations uint64) *Orchestrator {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Orchestrator{
		store:            store,
		publisher:        publisher,
		ledger:           lc,
		retry:            retry,
		minConfirmations: minConfirmations,
	}
}

// metadataDoc is the certificate metadata document published to the content
// store and referenced by the mint transaction.
type metadataDoc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []metadataAttr `json:"attributes"`
}

type metadataAttr struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Mint drives the full tokenization saga for listingID. asset carries the
// primary content bytes; they are ignored when a previous attempt already
// published them. Invoking Mint on a listing that already has a certificate
// returns that certificate.
func (o *Orchestrator) Mint(ctx context.Context, listingID string, asset []byte) (*catalog.Certificate, error) {
	unlock, err := o.store.LockEntity(ctx, "listing:"+listingID)
	if err != nil {
		if errors.Is(err, catalog.ErrEntityLocked) {
			return nil, faults.Rejected(fmt.Errorf("%w: %s", ErrMintInFlight, listingID))
		}
		return nil, err
	}
	defer unlock()

	l, err := o.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.CertificateID != "" {
		return o.store.GetCertificate(ctx, l.CertificateID)
	}

	// Step 1: primary content. Skipped when a prior attempt published it.
	if l.AssetAddress == "" {
		if len(asset) == 0 {
			return nil, faults.Fatal(&MintError{Step: StepPublishAsset, Err: fmt.Errorf("listing %s has no asset bytes", listingID)})
		}
		addr, err := o.publishWithRetry(ctx, asset)
		if err != nil {
			return nil, &MintError{Step: StepPublishAsset, Err: err}
		}
		if l, err = o.updateListing(ctx, l, func(cur *catalog.Listing) {
			cur.AssetAddress = string(addr)
		}); err != nil {
			return nil, &MintError{Step: StepPublishAsset, Err: err}
		}
	}

	// Step 2: metadata document referencing the asset.
	if l.MetadataAddr == "" {
		doc := metadataDoc{
			Name:        l.Title,
			Description: l.Description,
			Image:       content.Address(l.AssetAddress).URI(),
			Attributes: []metadataAttr{
				{TraitType: "Creator", Value: l.Owner},
				{TraitType: "Price", Value: l.Price},
			},
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, faults.Fatal(&MintError{Step: StepPublishMetadata, Err: err})
		}
		addr, err := o.publishWithRetry(ctx, raw)
		if err != nil {
			return nil, &MintError{Step: StepPublishMetadata, Err: err}
		}
		if l, err = o.updateListing(ctx, l, func(cur *catalog.Listing) {
			cur.MetadataAddr = string(addr)
		}); err != nil {
			return nil, &MintError{Step: StepPublishMetadata, Err: err}
		}
	}

	// Step 3: submit the mint transaction. The handle is persisted before
	// awaiting so a crash mid-wait resumes by re-polling; resubmitting after
	// a successful submission would mint twice.
	if l.PendingMintTx == "" {
		handle, err := o.ledger.Submit(ctx, ledger.Call{
			Method: "mintNFT",
			Args:   []interface{}{content.Address(l.MetadataAddr).URI()},
		})
		if err != nil {
			return nil, &MintError{Step: StepSubmit, Err: err}
		}
		if l, err = o.updateListing(ctx, l, func(cur *catalog.Listing) {
			cur.PendingMintTx = handle.TxHash.Hex()
			cur.PendingNonce = handle.Nonce
		}); err != nil {
			return nil, &MintError{Step: StepSubmit, Err: err}
		}
	}

	// Step 4: confirmation and certificate identity extraction.
	handle := ledger.PendingHandle{
		TxHash: common.HexToHash(l.PendingMintTx),
		Nonce:  l.PendingNonce,
	}
	receipt, err := o.ledger.AwaitConfirmation(ctx, handle, o.minConfirmations)
	if err != nil {
		return nil, &MintError{Step: StepConfirm, Err: err}
	}
	if !receipt.Success {
		return nil, faults.Fatal(&MintError{Step: StepConfirm, Err: fmt.Errorf("mint transaction %s reverted", l.PendingMintTx)})
	}

	events, skipped := ledger.DecodeEvents(receipt.Logs)
	if skipped > 0 {
		log.Printf("mint %s: skipped %d undecodable receipt logs", listingID, skipped)
	}
	var certID string
	for _, ev := range events {
		if ev.IsMint() {
			certID = ev.TokenID.String()
			break
		}
	}
	if certID == "" {
		return nil, faults.Fatal(&MintError{Step: StepConfirm, Err: fmt.Errorf("tx %s: %w", l.PendingMintTx, ErrCertificateNotFound)})
	}

	// Step 5: persist the certificate and mark the listing minted.
	cert := &catalog.Certificate{
		ID:           certID,
		MetadataAddr: l.MetadataAddr,
		Owner:        l.Owner,
		MintTxRef:    l.PendingMintTx,
	}
	if err := o.store.PutCertificate(ctx, cert); err != nil {
		if !errors.Is(err, catalog.ErrVersionConflict) {
			return nil, &MintError{Step: StepPersist, Err: err}
		}
		// A resumed mint already persisted it.
		if cert, err = o.store.GetCertificate(ctx, certID); err != nil {
			return nil, &MintError{Step: StepPersist, Err: err}
		}
	}

	if _, err = o.updateListing(ctx, l, func(cur *catalog.Listing) {
		cur.CertificateID = certID
		cur.State = catalog.ListingMinted
		cur.PendingMintTx = ""
		cur.PendingNonce = 0
	}); err != nil {
		return nil, &MintError{Step: StepPersist, Err: err}
	}
	return cert, nil
}

func (o *Orchestrator) publishWithRetry(ctx context.Context, data []byte) (content.Address, error) {
	attempts := o.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := o.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		addr, err := o.publisher.Publish(ctx, data)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if !faults.IsTransient(err) || i == attempts {
			break
		}

		sleep := backoff
		if o.retry.MaxBackoff > 0 && sleep > o.retry.MaxBackoff {
			sleep = o.retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if o.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(o.retry.BackoffMultiplier)
		}
	}
	return "", lastErr
}

// updateListing re-reads and re-applies mutate on version conflict, bounded.
// Conflict exhaustion is fatal: a stale step must never clobber newer state.
func (o *Orchestrator) updateListing(ctx context.Context, l *catalog.Listing, mutate func(*catalog.Listing)) (*catalog.Listing, error) {
	const maxConflicts = 3
	for i := 0; ; i++ {
		mutate(l)
		err := o.store.PutListing(ctx, l)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) {
			return nil, err
		}
		if i == maxConflicts {
			return nil, faults.Fatal(fmt.Errorf("listing %s: version conflicts exhausted: %w", l.ID, err))
		}
		if l, err = o.store.GetListing(ctx, l.ID); err != nil {
			return nil, err
		}
	}
}
