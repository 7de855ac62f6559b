package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/pagination"
)

const (
	bookCodeLength   = 10
	bookCodeAttempts = 5
)

const bookColumns = `b.id, b.book_code, b.title, b.description, b.visibility, b.author_id,
	b.question_count, b.rating_avg, b.rating_count, b.created_at, b.updated_at`

// BookSort is the pagination contract of the public book search.
var BookSort = pagination.Spec{
	Fields: map[string]pagination.Field{
		"updatedAt":     {Column: "b.updated_at", Kind: pagination.KindTime},
		"rating":        {Column: "b.rating_avg", Kind: pagination.KindNumber},
		"title":         {Column: "b.title", Kind: pagination.KindString},
		"questionCount": {Column: "b.question_count", Kind: pagination.KindNumber},
	},
	DefaultSort:  "title",
	DefaultOrder: pagination.Desc,
	DefaultLimit: 20,
	MaxLimit:     100,
	IDColumn:     "b.id",
}

// BookKey returns the cursor value of b for the given sort key.
func BookKey(sortKey string) func(model.Book) (any, int64) {
	return func(b model.Book) (any, int64) {
		switch sortKey {
		case "updatedAt":
			return b.UpdatedAt, b.ID
		case "createdAt":
			return b.CreatedAt, b.ID
		case "rating":
			return b.RatingAvg, b.ID
		case "questionCount":
			return float64(b.QuestionCount), b.ID
		default:
			return b.Title, b.ID
		}
	}
}

func scanBook(row scanner, extra ...any) (*model.Book, error) {
	var (
		b                model.Book
		created, updated int64
	)
	dest := []any{&b.ID, &b.BookCode, &b.Title, &b.Description, &b.Visibility, &b.AuthorID,
		&b.QuestionCount, &b.RatingAvg, &b.RatingCount, &created, &updated}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	return &b, nil
}

// CreateBook inserts a book with a fresh public code and links it into the
// author's library.
func (s *Store) CreateBook(ctx context.Context, b model.Book) (*model.Book, error) {
	if b.Visibility == "" {
		b.Visibility = model.VisibilityPrivate
	}
	var id int64
	for attempt := 1; ; attempt++ {
		code, err := gonanoid.New(bookCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate book code: %w", err)
		}
		id, err = s.insertBook(ctx, b, code)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt >= bookCodeAttempts {
			return nil, err
		}
		slog.Debug("book code collision, retrying", "attempt", attempt)
	}
	slog.Info("created book", "id", id, "author_id", b.AuthorID)
	return s.GetBook(ctx, id)
}

func (s *Store) insertBook(ctx context.Context, b model.Book, code string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := ms(s.now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO books (book_code, title, description, visibility, author_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code, b.Title, b.Description, b.Visibility, b.AuthorID, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := linkLibrary(ctx, tx, b.AuthorID, id, now); err != nil {
		return 0, fmt.Errorf("link library: %w", err)
	}
	return id, tx.Commit()
}

// GetBook returns a book by id.
func (s *Store) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return scanBook(s.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books b WHERE b.id = ?`, id))
}

// GetBookByCode returns the book with exactly this public code.
func (s *Store) GetBookByCode(ctx context.Context, code string) (*model.Book, error) {
	return scanBook(s.db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books b WHERE b.book_code = ?`, code))
}

// UpdateBook applies the non-nil fields of p.
func (s *Store) UpdateBook(ctx context.Context, id int64, p model.BookPatch) (*model.Book, error) {
	var (
		sets []string
		args []any
	)
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Visibility != nil {
		sets = append(sets, "visibility = ?")
		args = append(args, *p.Visibility)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, ms(s.now()), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	return s.GetBook(ctx, id)
}

// DeleteBook removes a book with its questions, reviews, activity and
// library links. Library counts of every user who saved it drop by one.
func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET library_count = MAX(library_count - 1, 0)
		 WHERE id IN (SELECT user_id FROM user_library WHERE book_id = ?)`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("deleted book", "id", id)
	return nil
}

// visibilityClause restricts books to those viewer may read.
func visibilityClause(viewer *model.User) (string, []any) {
	switch {
	case viewer != nil && viewer.IsAdmin:
		return "", nil
	case viewer != nil:
		return "(b.visibility = ? OR b.author_id = ?)", []any{model.VisibilityPublic, viewer.ID}
	default:
		return "b.visibility = ?", []any{model.VisibilityPublic}
	}
}

// SearchBooks lists the books visible to viewer whose title, description or
// code contains q, one page at a time. total counts every match regardless
// of the cursor.
func (s *Store) SearchBooks(ctx context.Context, viewer *model.User, q string, p pagination.Params) (pagination.Page[model.Book], int, error) {
	var base where
	if clause, args := visibilityClause(viewer); clause != "" {
		base.add(clause, args...)
	}
	if q = strings.TrimSpace(q); q != "" {
		pat := containsPattern(q)
		base.add(`(casefold(b.title) LIKE ? ESCAPE '\' OR casefold(b.description) LIKE ? ESCAPE '\' OR casefold(b.book_code) LIKE ? ESCAPE '\')`,
			pat, pat, pat)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM books b`+base.sql(), base.args...).Scan(&total); err != nil {
		return pagination.Page[model.Book]{}, 0, fmt.Errorf("count books: %w", err)
	}

	page, err := s.pageBooks(ctx, `SELECT `+bookColumns+` FROM books b`, base, p)
	if err != nil {
		return pagination.Page[model.Book]{}, 0, err
	}
	return page, total, nil
}

func (s *Store) pageBooks(ctx context.Context, selectFrom string, base where, p pagination.Params) (pagination.Page[model.Book], error) {
	clause, args := p.Where()
	w := base.with(clause, args...)
	query := selectFrom + w.sql() + ` ORDER BY ` + p.OrderBy() + ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, append(w.args, p.Probe())...)
	if err != nil {
		return pagination.Page[model.Book]{}, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return pagination.Page[model.Book]{}, err
		}
		books = append(books, *b)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[model.Book]{}, err
	}
	return pagination.Build(p, books, BookKey(p.SortKey))
}
