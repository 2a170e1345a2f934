package escrow

import (
	"errors"
	"fmt"
	"strings"

	"assetrails/internal/faults"
)

// Snapshot is the subset of a cached escrow record the authorization gate
// needs. Buyer and seller are the ledger-reported identities; the deadline is
// derived from the creation block time, never from orchestrator wall clock.
type Snapshot struct {
	ID       string
	Buyer    string
	Seller   string
	Status   Status
	Deadline int64
}

// ReleasePolicy configures who may request a release besides the buyer.
type ReleasePolicy struct {
	// Operator may request a release once the holding deadline has elapsed.
	// Empty disables the operator path.
	Operator string
}

var (
	ErrNotAuthorized    = errors.New("requester not authorized")
	ErrDeadlineNotOver  = errors.New("holding deadline has not elapsed")
	ErrNotOpen          = errors.New("escrow is not open")
)

func sameIdentity(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// AuthorizeRelease decides locally whether a release transaction may be
// submitted for s. The ledger stays the final authority; this gate only stops
// submissions known to fail. Errors are tagged rejected and must not produce
// a ledger round-trip.
func AuthorizeRelease(s Snapshot, requester string, now int64, policy ReleasePolicy) error {
	if s.Status != StatusCreated {
		return faults.Rejected(fmt.Errorf("release %s: %w", s.ID, ErrNotOpen))
	}
	if sameIdentity(requester, s.Buyer) {
		return nil
	}
	if sameIdentity(requester, policy.Operator) {
		if now < s.Deadline {
			return faults.Rejected(fmt.Errorf("release %s: %w", s.ID, ErrDeadlineNotOver))
		}
		return nil
	}
	return faults.Rejected(fmt.Errorf("release %s by %s: %w", s.ID, requester, ErrNotAuthorized))
}

// AuthorizeRefund decides locally whether a refund transaction may be
// submitted for s. Only the buyer may request one, and only once the holding
// deadline has elapsed with the escrow still open.
func AuthorizeRefund(s Snapshot, requester string, now int64) error {
	if s.Status != StatusCreated {
		return faults.Rejected(fmt.Errorf("refund %s: %w", s.ID, ErrNotOpen))
	}
	if !sameIdentity(requester, s.Buyer) {
		return faults.Rejected(fmt.Errorf("refund %s by %s: %w", s.ID, requester, ErrNotAuthorized))
	}
	if now < s.Deadline {
		return faults.Rejected(fmt.Errorf("refund %s: %w", s.ID, ErrDeadlineNotOver))
	}
	return nil
}
