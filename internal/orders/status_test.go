package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyOf(statuses ...Status) []StatusEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]StatusEvent, len(statuses))
	for i, s := range statuses {
		out[i] = StatusEvent{ID: int64(i + 1), OrderID: 1, Status: s, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to  Status
		viaAppeal bool
		want      bool
	}{
		{"", StatusSubmitted, false, true},
		{"", StatusConfirmed, false, false},
		{StatusSubmitted, StatusConfirmed, false, true},
		{StatusSubmitted, StatusCanceled, false, true},
		{StatusSubmitted, StatusEscrowPending, false, false},
		{StatusConfirmed, StatusEscrowPending, false, true},
		{StatusConfirmed, StatusCanceled, false, true},
		{StatusEscrowPending, StatusEscrowed, false, true},
		{StatusEscrowPending, StatusCanceled, false, true},
		{StatusEscrowed, StatusPaidPending, false, true},
		{StatusEscrowed, StatusAppealed, false, true},
		{StatusEscrowed, StatusRefundPending, false, false},
		{StatusEscrowed, StatusRefundPending, true, true},
		{StatusEscrowed, StatusCanceled, false, false},
		{StatusEscrowed, StatusConfirmed, false, false},
		{StatusPaidPending, StatusPaid, false, true},
		{StatusPaidPending, StatusReleasePending, false, false},
		{StatusPaidPending, StatusReleasePending, true, true},
		{StatusPaidPending, StatusRefundPending, true, true},
		{StatusPaid, StatusReleased, false, true},
		{StatusPaid, StatusReleasePending, false, false},
		{StatusPaid, StatusReleasePending, true, true},
		{StatusPaid, StatusRefundPending, true, false},
		{StatusAppealed, StatusReleasePending, true, true},
		{StatusAppealed, StatusRefundPending, true, true},
		{StatusAppealed, StatusRefundPending, false, false},
		{StatusReleasePending, StatusReleased, false, true},
		{StatusReleasePending, StatusRefunded, false, false},
		{StatusRefundPending, StatusRefunded, false, true},
		{StatusReleased, StatusRefunded, true, false},
		{StatusCanceled, StatusSubmitted, true, false},
	}

	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to, tt.viaAppeal)
		assert.Equal(t, tt.want, got, "%s -> %s (viaAppeal=%v)", tt.from, tt.to, tt.viaAppeal)
	}
}

func TestSuccessors(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPaidPending, StatusAppealed}, Successors(StatusEscrowed, false))
	assert.ElementsMatch(t,
		[]Status{StatusPaidPending, StatusAppealed, StatusRefundPending},
		Successors(StatusEscrowed, true))
	for _, s := range []Status{StatusReleased, StatusRefunded, StatusCanceled} {
		assert.Empty(t, Successors(s, true), s)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusReleased || s == StatusRefunded || s == StatusCanceled
		assert.Equal(t, want, s.IsTerminal(), s)
	}
}

func TestCheckAppend_IllegalTransitionCarriesStatuses(t *testing.T) {
	h := historyOf(StatusSubmitted, StatusConfirmed, StatusEscrowPending, StatusEscrowed)
	err := CheckAppend(1, h, StatusPaid, false)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatusEscrowed, te.Current)
	assert.Equal(t, StatusPaid, te.Attempted)
	assert.Contains(t, err.Error(), "ESCROWED")
	assert.Contains(t, err.Error(), "PAID")
}

func TestCheckAppend_Order(t *testing.T) {
	tests := []struct {
		name    string
		history []StatusEvent
		next    Status
		want    error
	}{
		{
			name:    "singleton checked before progression",
			history: historyOf(StatusSubmitted, StatusConfirmed),
			next:    StatusSubmitted,
			want:    ErrDuplicateStatus,
		},
		{
			name:    "singleton checked before terminal",
			history: historyOf(StatusSubmitted, StatusCanceled),
			next:    StatusCanceled,
			want:    ErrDuplicateStatus,
		},
		{
			name:    "terminal checked before progression",
			history: historyOf(StatusSubmitted, StatusCanceled),
			next:    StatusConfirmed,
			want:    ErrOrderCompleted,
		},
		{
			name:    "illegal successor",
			history: historyOf(StatusSubmitted),
			next:    StatusEscrowed,
			want:    ErrIllegalTransition,
		},
		{
			name:    "legal successor",
			history: historyOf(StatusSubmitted),
			next:    StatusConfirmed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAppend(1, tt.history, tt.next, false)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckAppend_UnknownStatus(t *testing.T) {
	err := CheckAppend(1, historyOf(StatusSubmitted), Status("SHIPPED"), false)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestCheckAppend_TerminalRejectsEverything(t *testing.T) {
	terminals := [][]Status{
		{StatusSubmitted, StatusCanceled},
		{StatusSubmitted, StatusConfirmed, StatusEscrowPending, StatusEscrowed, StatusPaidPending, StatusPaid, StatusReleased},
		{StatusSubmitted, StatusConfirmed, StatusEscrowPending, StatusEscrowed, StatusAppealed, StatusRefundPending, StatusRefunded},
	}
	for _, path := range terminals {
		h := historyOf(path...)
		for _, next := range AllStatuses {
			if containsStatus(path, next) {
				continue
			}
			for _, via := range []bool{false, true} {
				err := CheckAppend(1, h, next, via)
				assert.ErrorIs(t, err, ErrOrderCompleted, "%v + %s", path, next)
			}
		}
	}
}
