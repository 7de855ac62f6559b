package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/pagination"
)

// LibrarySort is the pagination contract of a user's library.
var LibrarySort = pagination.Spec{
	Fields: map[string]pagination.Field{
		"updatedAt": {Column: "b.updated_at", Kind: pagination.KindTime},
		"createdAt": {Column: "b.created_at", Kind: pagination.KindTime},
		"rating":    {Column: "b.rating_avg", Kind: pagination.KindNumber},
		"title":     {Column: "b.title", Kind: pagination.KindString},
	},
	DefaultSort:  "updatedAt",
	DefaultOrder: pagination.Desc,
	DefaultLimit: 20,
	MaxLimit:     100,
	IDColumn:     "b.id",
}

// LibraryFilter narrows a library listing. Nil fields do not filter.
type LibraryFilter struct {
	Visibility *model.Visibility
	OwnedByMe  *bool
	Query      string
}

// linkLibrary saves a book to a user's library inside tx and reports
// whether a new link was made.
func linkLibrary(ctx context.Context, tx *sql.Tx, userID, bookID, at int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_library (user_id, book_id, added_at) VALUES (?, ?, ?)`,
		userID, bookID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET library_count = library_count + 1 WHERE id = ?`, userID); err != nil {
		return false, err
	}
	return true, nil
}

// AddToLibrary saves a book to a user's library. Adding a book twice is a
// no-op reported by created=false.
func (s *Store) AddToLibrary(ctx context.Context, userID, bookID int64) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM books WHERE id = ?`, bookID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	created, err = linkLibrary(ctx, tx, userID, bookID, ms(s.now()))
	if err != nil {
		return false, err
	}
	return created, tx.Commit()
}

// RemoveFromLibrary removes a saved book. A missing link is ErrNotFound.
func (s *Store) RemoveFromLibrary(ctx context.Context, userID, bookID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM user_library WHERE user_id = ? AND book_id = ?`, userID, bookID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET library_count = MAX(library_count - 1, 0) WHERE id = ?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// InLibrary reports whether the user saved the book.
func (s *Store) InLibrary(ctx context.Context, userID, bookID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_library WHERE user_id = ? AND book_id = ?`, userID, bookID).Scan(&n)
	return n > 0, err
}

// ListLibrary pages through the books a user saved. Books that became
// private to someone else stay listed, since the user saved them.
func (s *Store) ListLibrary(ctx context.Context, userID int64, f LibraryFilter, p pagination.Params) (pagination.Page[model.Book], int, error) {
	var base where
	base.add("l.user_id = ?", userID)
	if f.Visibility != nil {
		base.add("b.visibility = ?", *f.Visibility)
	}
	if f.OwnedByMe != nil {
		if *f.OwnedByMe {
			base.add("b.author_id = ?", userID)
		} else {
			base.add("b.author_id != ?", userID)
		}
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		pat := containsPattern(q)
		base.add(`(casefold(b.title) LIKE ? ESCAPE '\' OR casefold(b.description) LIKE ? ESCAPE '\')`, pat, pat)
	}

	from := ` FROM user_library l JOIN books b ON b.id = l.book_id`
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*)`+from+base.sql(), base.args...).Scan(&total); err != nil {
		return pagination.Page[model.Book]{}, 0, fmt.Errorf("count library: %w", err)
	}
	page, err := s.pageBooks(ctx, `SELECT `+bookColumns+from, base, p)
	if err != nil {
		return pagination.Page[model.Book]{}, 0, err
	}
	return page, total, nil
}
