package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ClickCounterRepository bumps the aggregate click counter on a link.
// Both operations are single UPDATE statements, so concurrent increments
// for the same link never lose updates.
type ClickCounterRepository interface {
	// IncrementWithTimestamp adds one click and records when it happened.
	IncrementWithTimestamp(ctx context.Context, linkID string, at time.Time) error
	// Increment adds one click unconditionally.
	Increment(ctx context.Context, linkID string) error
}

// Execer is the subset of pgxpool.Pool used by the counter repository.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type clickCounterRepository struct {
	db Execer
}

// NewClickCounterRepository returns a pgx-backed ClickCounterRepository.
func NewClickCounterRepository(db Execer) ClickCounterRepository {
	return &clickCounterRepository{db: db}
}

func (r *clickCounterRepository) IncrementWithTimestamp(ctx context.Context, linkID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx,
		`UPDATE links
		    SET click_count = click_count + 1,
		        last_clicked_at = GREATEST(COALESCE(last_clicked_at, $2), $2)
		  WHERE id = $1`,
		linkID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (r *clickCounterRepository) Increment(ctx context.Context, linkID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `UPDATE links SET click_count = click_count + 1 WHERE id = $1`, linkID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}
