package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"assetrails/internal/catalog"
	"assetrails/internal/escrow"
	"assetrails/internal/faults"
	"assetrails/internal/ledger"
)

const (
	cursorTopic = "escrow"
	leaseName   = "reconciliation-scanner"
)

// Metrics receives scan-cycle observations. The HTTP server's prometheus
// registry implements it.
type Metrics interface {
	EventApplied(kind string)
	EventRejected(kind string)
	LogsSkipped(n int)
	CursorHeight(block uint64)
}

type noopMetrics struct{}

func (noopMetrics) EventApplied(string)  {}
func (noopMetrics) EventRejected(string) {}
func (noopMetrics) LogsSkipped(int)      {}
func (noopMetrics) CursorHeight(uint64)  {}

// Scanner pulls escrow events from the ledger since the persisted cursor and
// replays them into the catalog. It is the single writer of escrow status:
// request handlers only ever submit transactions, state flows back through
// here. One instance holds the writer lease per catalog store.
type Scanner struct {
	ledger            ledger.Client
	store             catalog.Store
	holdingPeriod     time.Duration
	confirmationDepth uint64
	pollInterval      time.Duration
	batchSize         int
	metrics           Metrics
}

type Config struct {
	HoldingPeriod     time.Duration
	ConfirmationDepth uint64
	PollInterval      time.Duration
	Metrics           Metrics
}

func New(lc ledger.Client, store catalog.Store, cfg Config) *Scanner {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Scanner{
		ledger:            lc,
		store:             store,
		holdingPeriod:     cfg.HoldingPeriod,
		confirmationDepth: cfg.ConfirmationDepth,
		pollInterval:      interval,
		metrics:           m,
	}
}

// Run polls until the context is cancelled. The writer lease is retried on
// the same ticker, so a standby instance stays standby until the holder
// crashes or shuts down and then takes over. Cooperative polling rather than
// a subscription, so ledger-node disconnects only delay the next cycle.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if release == nil {
			r, err := s.store.AcquireLease(ctx, leaseName)
			if errors.Is(err, catalog.ErrLeaseHeld) {
				continue
			}
			if err != nil {
				log.Printf("acquire scanner lease: %v", err)
				continue
			}
			release = r
		}

		if err := s.ScanOnce(ctx); err != nil {
			log.Printf("scan cycle: %v", err)
		}
	}
}

// ScanOnce runs a single reconciliation cycle. Exposed so tests drive the
// scanner deterministically without the ticker.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	head, err := s.ledger.Head(ctx)
	if err != nil {
		return err
	}
	if head < s.confirmationDepth {
		return nil
	}
	// Trail the head so a shallow reorg cannot feed us events that later
	// disappear.
	safe := head - s.confirmationDepth

	cursor, err := s.store.GetCursor(ctx, cursorTopic)
	if err != nil {
		return err
	}
	if cursor.Block > safe {
		return nil
	}

	logs, err := s.ledger.QueryLogs(ctx, cursor.Block, safe, ledger.EscrowTopics())
	if err != nil {
		return err
	}
	events, skipped := ledger.DecodeEvents(logs)
	if skipped > 0 {
		s.metrics.LogsSkipped(skipped)
		log.Printf("scan: skipped %d undecodable logs in [%d,%d]", skipped, cursor.Block, safe)
	}

	last := ledger.Position{Block: cursor.Block, Index: cursor.LogIndex}
	advanced := false
	// A never-persisted cursor sits at (0,0), which Behind would treat as
	// already applied; nothing has been applied yet, so a genesis-position
	// event must not be skipped.
	fresh := cursor.Version == 0
	for _, ev := range events {
		if !fresh && !cursor.Behind(ev.Position.Block, ev.Position.Index) {
			continue // applied before the last cursor write
		}
		if err := s.apply(ctx, ev); err != nil {
			if faults.IsRejected(err) {
				s.metrics.EventRejected(string(ev.Kind))
				log.Printf("scan: event at %d/%d rejected: %v", ev.Position.Block, ev.Position.Index, err)
			} else {
				// Stop without advancing the cursor; the batch is re-applied
				// next cycle and re-application is a no-op.
				return fmt.Errorf("apply event at %d/%d: %w", ev.Position.Block, ev.Position.Index, err)
			}
		} else {
			s.metrics.EventApplied(string(ev.Kind))
		}
		last = ev.Position
		advanced = true
	}

	if !advanced && safe <= cursor.Block {
		return nil
	}
	if !advanced {
		last = ledger.Position{Block: safe, Index: cursor.LogIndex}
		if safe > cursor.Block {
			last.Index = 0
		}
	}

	// The cursor advances only after the whole batch is durably applied.
	cursor.Block = last.Block
	cursor.LogIndex = last.Index
	if err := s.store.PutCursor(ctx, cursor); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	s.metrics.CursorHeight(cursor.Block)
	return nil
}

func eventFor(ev ledger.DecodedEvent, blockTime int64) (escrow.Event, error) {
	out := escrow.Event{
		EscrowID:  ev.EscrowID.String(),
		Buyer:     ev.Buyer.Hex(),
		Amount:    ev.Amount.String(),
		BlockTime: blockTime,
	}
	switch ev.Kind {
	case ledger.KindEscrowCreated:
		out.Kind = escrow.EventCreated
	case ledger.KindEscrowReleased:
		out.Kind = escrow.EventReleased
	case ledger.KindEscrowRefunded:
		out.Kind = escrow.EventRefunded
	default:
		return escrow.Event{}, faults.Rejected(fmt.Errorf("unexpected event kind %s", ev.Kind))
	}
	return out, nil
}

// apply replays one decoded event through the state machine and upserts the
// catalog. Safe to re-run: duplicate observations are rejected by Transition
// and listing writes are guarded by the state they would set.
func (s *Scanner) apply(ctx context.Context, ev ledger.DecodedEvent) error {
	blockTime, err := s.ledger.BlockTime(ctx, ev.Position.Block)
	if err != nil {
		return err
	}

	sev, err := eventFor(ev, int64(blockTime))
	if err != nil {
		return err
	}

	existing, err := s.store.GetEscrow(ctx, sev.EscrowID)
	known := err == nil
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	var current escrow.Status
	if known {
		current = existing.Status
	}

	next, err := escrow.Transition(current, known, sev)
	if err != nil {
		// A re-observed event may follow a crash that persisted the escrow
		// but not the listing or certificate updates. Reconcile from the
		// stored snapshot before skipping, so replay repairs partial applies.
		if known && faults.IsRejected(err) {
			if rerr := s.reconcile(ctx, existing); rerr != nil {
				return rerr
			}
		}
		return err
	}

	snap := existing
	if !known {
		snap = &catalog.Escrow{
			ID:        sev.EscrowID,
			Buyer:     sev.Buyer,
			Amount:    sev.Amount,
			CreatedAt: int64(blockTime),
			Deadline:  int64(blockTime) + int64(s.holdingPeriod/time.Second),
		}
		if intent, ierr := s.store.GetEscrowIntent(ctx, ev.TxHash.Hex()); ierr == nil {
			snap.CertificateID = intent.CertificateID
			snap.Seller = intent.Seller
		} else if !errors.Is(ierr, catalog.ErrNotFound) {
			return ierr
		}
	}
	snap.Status = next

	if err := s.store.PutEscrow(ctx, snap); err != nil {
		if errors.Is(err, catalog.ErrVersionConflict) {
			return faults.Rejected(fmt.Errorf("escrow %s: concurrent write: %w", snap.ID, err))
		}
		return err
	}

	return s.reconcile(ctx, snap)
}

// reconcile drives the linked listing and certificate to the state the escrow
// snapshot implies. Idempotent: records already in the implied state are left
// untouched, so it runs both on first application and on replay.
func (s *Scanner) reconcile(ctx context.Context, snap *catalog.Escrow) error {
	switch snap.Status {
	case escrow.StatusCreated:
		return s.markListing(ctx, snap.CertificateID, func(l *catalog.Listing) {
			l.State = catalog.ListingEscrowed
		})
	case escrow.StatusReleased:
		if err := s.transferCertificate(ctx, snap.CertificateID, snap.Buyer); err != nil {
			return err
		}
		return s.markListing(ctx, snap.CertificateID, func(l *catalog.Listing) {
			l.State = catalog.ListingSold
			l.Owner = snap.Buyer
			l.Active = false
		})
	case escrow.StatusRefunded:
		// Ownership stays with the seller; the listing is eligible for a new
		// escrow again.
		return s.markListing(ctx, snap.CertificateID, func(l *catalog.Listing) {
			l.State = catalog.ListingListed
		})
	}
	return nil
}

func (s *Scanner) transferCertificate(ctx context.Context, certID, newOwner string) error {
	if certID == "" || newOwner == "" {
		return nil
	}
	for i := 0; i < 3; i++ {
		cert, err := s.store.GetCertificate(ctx, certID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cert.Owner == newOwner {
			return nil
		}
		cert.Owner = newOwner
		err = s.store.PutCertificate(ctx, cert)
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) {
			return err
		}
	}
	return faults.Fatal(fmt.Errorf("certificate %s: version conflicts exhausted", certID))
}

func (s *Scanner) markListing(ctx context.Context, certID string, mutate func(*catalog.Listing)) error {
	if certID == "" {
		return nil
	}
	for i := 0; i < 3; i++ {
		l, err := s.store.ListingByCertificate(ctx, certID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		prev := *l
		mutate(l)
		if *l == prev {
			return nil
		}
		err = s.store.PutListing(ctx, l)
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) {
			return err
		}
	}
	return faults.Fatal(fmt.Errorf("listing for certificate %s: version conflicts exhausted", certID))
}
