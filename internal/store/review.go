package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/pagination"
)

// ReviewSort is the pagination contract of a book's reviews.
var ReviewSort = pagination.Spec{
	Fields: map[string]pagination.Field{
		"createdAt": {Column: "r.created_at", Kind: pagination.KindTime},
		"rating":    {Column: "r.rating", Kind: pagination.KindNumber},
	},
	DefaultSort:  "createdAt",
	DefaultOrder: pagination.Desc,
	DefaultLimit: 20,
	MaxLimit:     100,
	IDColumn:     "r.id",
}

const reviewColumns = `r.id, r.book_id, r.user_id, r.rating, r.comment, r.created_at, r.updated_at`

func scanReview(row scanner) (*model.Review, error) {
	var (
		r                model.Review
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.BookID, &r.UserID, &r.Rating, &r.Comment, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	return &r, nil
}

// UpsertReview creates or replaces the user's review of a book and
// refreshes the book's rating aggregates in the same transaction.
func (s *Store) UpsertReview(ctx context.Context, r model.Review) (*model.Review, error) {
	if r.Rating < 1 || r.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := ms(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reviews (book_id, user_id, rating, comment, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (book_id, user_id) DO UPDATE SET
			rating = excluded.rating, comment = excluded.comment, updated_at = excluded.updated_at`,
		r.BookID, r.UserID, r.Rating, r.Comment, now, now); err != nil {
		return nil, fmt.Errorf("upsert review: %w", err)
	}
	if err := refreshRating(ctx, tx, r.BookID); err != nil {
		return nil, err
	}
	out, err := scanReview(tx.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews r WHERE r.book_id = ? AND r.user_id = ?`, r.BookID, r.UserID))
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// refreshRating recomputes rating_avg and rating_count of a book.
func refreshRating(ctx context.Context, tx *sql.Tx, bookID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE books SET
			rating_avg = COALESCE((SELECT AVG(rating) FROM reviews WHERE book_id = ?), 0),
			rating_count = (SELECT COUNT(*) FROM reviews WHERE book_id = ?)
		 WHERE id = ?`, bookID, bookID, bookID)
	if err != nil {
		return fmt.Errorf("refresh rating: %w", err)
	}
	return nil
}

// ListReviews pages through the reviews of a book.
func (s *Store) ListReviews(ctx context.Context, bookID int64, p pagination.Params) (pagination.Page[model.Review], error) {
	var base where
	base.add("r.book_id = ?", bookID)
	clause, args := p.Where()
	w := base.with(clause, args...)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews r`+w.sql()+` ORDER BY `+p.OrderBy()+` LIMIT ?`,
		append(w.args, p.Probe())...)
	if err != nil {
		return pagination.Page[model.Review]{}, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []model.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return pagination.Page[model.Review]{}, err
		}
		reviews = append(reviews, *r)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[model.Review]{}, err
	}
	return pagination.Build(p, reviews, func(r model.Review) (any, int64) {
		if p.SortKey == "rating" {
			return float64(r.Rating), r.ID
		}
		return r.CreatedAt, r.ID
	})
}
