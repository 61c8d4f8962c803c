package fees

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists fee schedules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed schedule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, category Category) (*Schedule, error) {
	s := &Schedule{}
	var kind, cat string
	err := p.db.QueryRowContext(ctx, `
		SELECT category, kind, fixed_value, floating_bps, updated_at
		FROM fee_schedules WHERE category = $1`, string(category),
	).Scan(&cat, &kind, &s.FixedValue, &s.FloatingBasisPoints, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeeScheduleMissing
	}
	if err != nil {
		return nil, err
	}
	s.Category = Category(cat)
	s.Kind = Kind(kind)
	return s, nil
}

func (p *PostgresStore) Put(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_schedules (category, kind, fixed_value, floating_bps, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (category) DO UPDATE SET
			kind         = EXCLUDED.kind,
			fixed_value  = EXCLUDED.fixed_value,
			floating_bps = EXCLUDED.floating_bps,
			updated_at   = NOW()`,
		string(s.Category), string(s.Kind), s.FixedValue, s.FloatingBasisPoints,
	)
	return err
}

// Compile-time assertion that PostgresStore implements ScheduleStore.
var _ ScheduleStore = (*PostgresStore)(nil)
