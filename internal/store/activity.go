package store

import (
	"context"
	"fmt"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 50
)

// TouchBook records that the user opened the book now.
func (s *Store) TouchBook(ctx context.Context, userID, bookID int64) error {
	if _, err := s.GetBook(ctx, bookID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_book_activity (user_id, book_id, last_accessed_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, book_id) DO UPDATE SET last_accessed_at = excluded.last_accessed_at`,
		userID, bookID, ms(s.now()))
	return err
}

// RecentBooks returns the books the user opened, newest first. limit is
// clamped to 1..MaxRecentLimit. Books the user can no longer read are left out.
func (s *Store) RecentBooks(ctx context.Context, viewer *model.User, limit int) ([]model.RecentBook, error) {
	limit = max(1, min(limit, MaxRecentLimit))

	var w where
	w.add("a.user_id = ?", viewer.ID)
	if clause, args := visibilityClause(viewer); clause != "" {
		w.add(clause, args...)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumns+`, a.last_accessed_at
		 FROM user_book_activity a JOIN books b ON b.id = a.book_id`+w.sql()+`
		 ORDER BY a.last_accessed_at DESC, b.id DESC LIMIT ?`,
		append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query recent books: %w", err)
	}
	defer rows.Close()

	out := []model.RecentBook{}
	for rows.Next() {
		var last int64
		b, err := scanBook(rows, &last)
		if err != nil {
			return nil, err
		}
		out = append(out, model.RecentBook{Book: *b, LastAccessedAt: fromMS(last)})
	}
	return out, rows.Err()
}
