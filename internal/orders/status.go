package orders

import (
	"errors"
	"fmt"
)

// Status is a step in the order lifecycle.
type Status string

const (
	StatusSubmitted      Status = "SUBMITTED"
	StatusConfirmed      Status = "CONFIRMED"
	StatusEscrowPending  Status = "ESCROW_PENDING"
	StatusEscrowed       Status = "ESCROWED"
	StatusPaidPending    Status = "PAID_PENDING"
	StatusPaid           Status = "PAID"
	StatusAppealed       Status = "APPEALED"
	StatusReleasePending Status = "RELEASE_PENDING"
	StatusRefundPending  Status = "REFUND_PENDING"
	StatusReleased       Status = "RELEASED"
	StatusRefunded       Status = "REFUNDED"
	StatusCanceled       Status = "CANCELED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSubmitted, StatusConfirmed, StatusEscrowPending, StatusEscrowed,
	StatusPaidPending, StatusPaid, StatusAppealed, StatusReleasePending,
	StatusRefundPending, StatusReleased, StatusRefunded, StatusCanceled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status may follow s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

var (
	ErrDuplicateStatus   = errors.New("status already exists for order")
	ErrOrderCompleted    = errors.New("order already completed")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownStatus     = errors.New("unknown status")
)

// TransitionError is returned when the ledger rejects an append. It matches
// ErrDuplicateStatus, ErrOrderCompleted or ErrIllegalTransition via errors.Is.
type TransitionError struct {
	Kind      error
	OrderID   int64
	Current   Status
	Attempted Status
}

func (e *TransitionError) Error() string {
	current := string(e.Current)
	if current == "" {
		current = "<none>"
	}
	return fmt.Sprintf("order %d: %v (current %s, attempted %s)", e.OrderID, e.Kind, current, e.Attempted)
}

func (e *TransitionError) Unwrap() error { return e.Kind }

type edge struct {
	to         Status
	appealOnly bool
}

// transitions is the admissible successor graph. An empty current status
// (a new order) admits only SUBMITTED.
var transitions = map[Status][]edge{
	"":                  {{to: StatusSubmitted}},
	StatusSubmitted:     {{to: StatusConfirmed}, {to: StatusCanceled}},
	StatusConfirmed:     {{to: StatusEscrowPending}, {to: StatusCanceled}},
	StatusEscrowPending: {{to: StatusEscrowed}, {to: StatusCanceled}},
	StatusEscrowed: {
		{to: StatusPaidPending},
		{to: StatusAppealed},
		{to: StatusRefundPending, appealOnly: true},
	},
	StatusPaidPending: {
		{to: StatusPaid},
		{to: StatusAppealed},
		{to: StatusReleasePending, appealOnly: true},
		{to: StatusRefundPending, appealOnly: true},
	},
	StatusPaid: {
		{to: StatusReleased},
		{to: StatusAppealed},
		{to: StatusReleasePending, appealOnly: true},
	},
	StatusAppealed: {
		{to: StatusReleasePending, appealOnly: true},
		{to: StatusRefundPending, appealOnly: true},
	},
	StatusReleasePending: {{to: StatusReleased}},
	StatusRefundPending:  {{to: StatusRefunded}},
}

// CanTransition reports whether next may directly follow current.
func CanTransition(current, next Status, viaAppeal bool) bool {
	for _, e := range transitions[current] {
		if e.to == next {
			return !e.appealOnly || viaAppeal
		}
	}
	return false
}

// Successors lists the statuses admissible after current.
func Successors(current Status, viaAppeal bool) []Status {
	var out []Status
	for _, e := range transitions[current] {
		if !e.appealOnly || viaAppeal {
			out = append(out, e.to)
		}
	}
	return out
}

// CheckAppend validates appending next to an order with the given history.
// Checks run in order: singleton, terminal, progression.
func CheckAppend(orderID int64, history []StatusEvent, next Status, viaAppeal bool) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}

	var current Status
	if len(history) > 0 {
		current = history[len(history)-1].Status
	}
	fail := func(kind error) error {
		return &TransitionError{Kind: kind, OrderID: orderID, Current: current, Attempted: next}
	}

	for _, ev := range history {
		if ev.Status == next {
			return fail(ErrDuplicateStatus)
		}
	}
	if current.IsTerminal() {
		return fail(ErrOrderCompleted)
	}
	if !CanTransition(current, next, viaAppeal) {
		return fail(ErrIllegalTransition)
	}
	return nil
}
