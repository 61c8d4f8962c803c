// Package fees computes the contract, service and arbitration fees charged on
// an escrowed trade. All values are satoshi.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrFeeScheduleMissing = errors.New("fee schedule missing")
	ErrInvalidSchedule    = errors.New("invalid fee schedule")
)

// Category selects which fee a schedule prices.
type Category string

const (
	CategoryService     Category = "SERVICE"
	CategoryArbitration Category = "ARBITRATION"
)

// Kind is the pricing policy of a schedule.
type Kind string

const (
	KindFixed    Kind = "FIXED"    // flat satoshi value
	KindFloating Kind = "FLOATING" // basis points of the trade amount
)

// Schedule is a configured fee policy for one category.
type Schedule struct {
	Category            Category  `json:"category"`
	Kind                Kind      `json:"kind"`
	FixedValue          int64     `json:"fixedValue"`
	FloatingBasisPoints int64     `json:"floatingBasisPoints"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate checks that the schedule is well formed.
func (s *Schedule) Validate() error {
	switch s.Category {
	case CategoryService, CategoryArbitration:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidSchedule, s.Category)
	}
	switch s.Kind {
	case KindFixed:
		if s.FixedValue < 0 {
			return fmt.Errorf("%w: negative fixed value", ErrInvalidSchedule)
		}
	case KindFloating:
		if s.FloatingBasisPoints < 0 {
			return fmt.Errorf("%w: negative basis points", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// evaluate returns the fee for tradeAmount. ok is false when the schedule
// cannot be evaluated without a trade amount.
func (s *Schedule) evaluate(tradeAmount *int64) (fee int64, ok bool) {
	switch s.Kind {
	case KindFixed:
		return s.FixedValue, true
	case KindFloating:
		if tradeAmount == nil {
			return 0, false
		}
		return basisPointsOf(*tradeAmount, s.FloatingBasisPoints), true
	}
	return 0, false
}

// basisPointsOf returns floor(amount*bps/10000) without overflowing for any
// satoshi amount that fits the coin supply.
func basisPointsOf(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount/10000)*bps + (amount%10000)*bps/10000
}

// Breakdown is the per-component fee set frozen into a contract.
type Breakdown struct {
	ContractFee    int64 `json:"contractFee"`
	ArbitrationFee int64 `json:"arbitrationFee"`
	ServiceFee     int64 `json:"serviceFee"`
}

// Total is the sum of all components.
func (b Breakdown) Total() int64 {
	return b.ContractFee + b.ArbitrationFee + b.ServiceFee
}

// Fallbacks are the static per-component values used when no schedule
// applies. The contract fee never has a schedule.
type Fallbacks struct {
	ContractFee    int64
	ServiceFee     int64
	ArbitrationFee int64
}

// ScheduleStore persists fee schedules.
type ScheduleStore interface {
	// Get returns ErrFeeScheduleMissing when no schedule exists for category.
	Get(ctx context.Context, category Category) (*Schedule, error)
	Put(ctx context.Context, schedule *Schedule) error
}

// Calculator resolves fee components from schedules and fallbacks.
type Calculator struct {
	store     ScheduleStore
	fallbacks Fallbacks
	logger    *slog.Logger
}

// NewCalculator creates a fee calculator. store may be nil, in which case
// only the fallbacks are used.
func NewCalculator(store ScheduleStore, fallbacks Fallbacks) *Calculator {
	return &Calculator{
		store:     store,
		fallbacks: fallbacks,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used to report schedule fallbacks.
func (c *Calculator) WithLogger(logger *slog.Logger) *Calculator {
	c.logger = logger
	return c
}

// Compute returns the total fee and its breakdown for tradeAmount. A nil
// tradeAmount evaluates only flat schedules; percentage schedules fall back
// to the static constant.
func (c *Calculator) Compute(ctx context.Context, tradeAmount *int64) (int64, Breakdown, error) {
	service, err := c.resolve(ctx, CategoryService, tradeAmount, c.fallbacks.ServiceFee)
	if err != nil {
		return 0, Breakdown{}, err
	}
	arbitration, err := c.resolve(ctx, CategoryArbitration, tradeAmount, c.fallbacks.ArbitrationFee)
	if err != nil {
		return 0, Breakdown{}, err
	}

	b := Breakdown{
		ContractFee:    nonNegative(c.fallbacks.ContractFee),
		ArbitrationFee: arbitration,
		ServiceFee:     service,
	}
	return b.Total(), b, nil
}

func (c *Calculator) resolve(ctx context.Context, category Category, tradeAmount *int64, fallback int64) (int64, error) {
	if c.store == nil {
		return nonNegative(fallback), nil
	}

	schedule, err := c.store.Get(ctx, category)
	if errors.Is(err, ErrFeeScheduleMissing) {
		c.logger.Debug("fee schedule missing, using fallback",
			"category", category, "fallback", fallback)
		return nonNegative(fallback), nil
	}
	if err != nil {
		return 0, fmt.Errorf("load %s fee schedule: %w", category, err)
	}

	fee, ok := schedule.evaluate(tradeAmount)
	if !ok {
		c.logger.Debug("fee schedule needs trade amount, using fallback",
			"category", category, "kind", schedule.Kind, "fallback", fallback)
		return nonNegative(fallback), nil
	}
	return nonNegative(fee), nil
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
