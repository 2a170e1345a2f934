package escrow

import (
	"errors"
	"fmt"

	"assetrails/internal/faults"
)

// Status is the lifecycle state of a single escrow. Released and Refunded are
// terminal: once reached, no observed event may change the status again.
type Status string

const (
	StatusCreated  Status = "created"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// EventKind identifies the escrow events emitted by the ledger.
type EventKind string

const (
	EventCreated  EventKind = "escrow.created"
	EventReleased EventKind = "escrow.released"
	EventRefunded EventKind = "escrow.refunded"
)

// Event is one ledger-observed escrow event, already decoded.
type Event struct {
	Kind      EventKind
	EscrowID  string
	Buyer     string
	Amount    string
	BlockTime int64
}

var (
	// ErrDuplicateCreation: a creation event for an escrow id already known.
	ErrDuplicateCreation = errors.New("escrow already known")
	// ErrTerminal: an event targeting an escrow in a terminal status.
	ErrTerminal = errors.New("escrow already settled")
)

// Transition computes the status an escrow moves to when ev is observed.
// current is the locally cached status and known reports whether the escrow
// has been seen before; both come from the catalog, never from the ledger.
//
// Duplicate and out-of-order deliveries are expected: they return an error
// tagged rejected, which callers log and skip. A terminal event for an
// unknown escrow is accepted directly so that a missed creation event cannot
// wedge reconciliation; the late creation event is then rejected as a
// duplicate. Replaying any permutation of a ledger history through Transition
// therefore converges to the same final status.
func Transition(current Status, known bool, ev Event) (Status, error) {
	switch ev.Kind {
	case EventCreated:
		if known {
			return current, faults.Rejected(fmt.Errorf("apply %s to %s: %w", ev.Kind, ev.EscrowID, ErrDuplicateCreation))
		}
		return StatusCreated, nil
	case EventReleased, EventRefunded:
		if known && current.Terminal() {
			return current, faults.Rejected(fmt.Errorf("apply %s to %s: %w", ev.Kind, ev.EscrowID, ErrTerminal))
		}
		if ev.Kind == EventReleased {
			return StatusReleased, nil
		}
		return StatusRefunded, nil
	default:
		return current, faults.Rejected(fmt.Errorf("unknown escrow event kind %q", ev.Kind))
	}
}
