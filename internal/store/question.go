package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

// Position says where a batch of new questions goes in a book.
type Position string

const (
	PositionEnd   Position = "end"
	PositionStart Position = "start"
)

// CreatedQuestion identifies a newly inserted question.
type CreatedQuestion struct {
	ID         int64 `json:"id"`
	OrderIndex int   `json:"orderIndex"`
}

// ItemError reports which item of a batch failed validation.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{ErrInvalid, e.Err}
}

const questionColumns = `id, book_id, author_id, order_index, type, question, choices, answer, created_at, updated_at`

type questionRow struct {
	choices sql.NullString
	answer  string
}

func scanQuestion(row scanner) (*model.Question, error) {
	var (
		q                model.Question
		it               model.QuestionItem
		r                questionRow
		created, updated int64
	)
	err := row.Scan(&q.ID, &q.BookID, &q.AuthorID, &q.OrderIndex, &it.Type, &it.Question,
		&r.choices, &r.answer, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.choices.Valid {
		if err := json.Unmarshal([]byte(r.choices.String), &it.Choices); err != nil {
			return nil, fmt.Errorf("decode choices of question %d: %w", q.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(r.answer), &it.Answer); err != nil {
		return nil, fmt.Errorf("decode answer of question %d: %w", q.ID, err)
	}
	body, err := it.Validate()
	if err != nil {
		return nil, fmt.Errorf("stored question %d: %w", q.ID, err)
	}
	q.Text = it.Question
	q.Body = body
	q.CreatedAt = fromMS(created)
	q.UpdatedAt = fromMS(updated)
	return &q, nil
}

// encodeBody returns the stored choices (NULL for short answers) and answer.
func encodeBody(it model.QuestionItem) (any, string, error) {
	var choices any
	if len(it.Choices) > 0 {
		raw, err := json.Marshal(it.Choices)
		if err != nil {
			return nil, "", err
		}
		choices = string(raw)
	}
	answer, err := json.Marshal(it.Answer)
	if err != nil {
		return nil, "", err
	}
	return choices, string(answer), nil
}

// validateItems checks every item and returns them in canonical form.
func validateItems(items []model.QuestionItem) ([]model.QuestionItem, error) {
	out := make([]model.QuestionItem, len(items))
	for i, it := range items {
		it.Question = strings.TrimSpace(it.Question)
		body, err := it.Validate()
		if err != nil {
			return nil, &ItemError{Index: i, Err: err}
		}
		out[i] = model.ItemOf(it.Question, body)
	}
	return out, nil
}

// InsertQuestions adds items to a book as one unit. The ordinal range
// [start, start+len(items)) is reserved first and the rows are written in
// a single statement, so either every item lands contiguously or none does.
func (s *Store) InsertQuestions(ctx context.Context, bookID, authorID int64, items []model.QuestionItem, pos Position) ([]CreatedQuestion, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalid)
	}
	if pos == "" {
		pos = PositionEnd
	}
	if pos != PositionEnd && pos != PositionStart {
		return nil, fmt.Errorf("%w: unknown position %q", ErrInvalid, pos)
	}
	items, err := validateItems(items)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n := len(items)
	start, err := reserveRange(ctx, tx, bookID, n, pos)
	if err != nil {
		return nil, err
	}

	now := ms(s.now())
	var (
		values []string
		args   []any
	)
	for i, it := range items {
		choices, answer, err := encodeBody(it)
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, bookID, authorID, start+i, it.Type, it.Question, choices, answer, now, now)
	}
	rows, err := tx.QueryContext(ctx,
		`INSERT INTO questions (book_id, author_id, order_index, type, question, choices, answer, created_at, updated_at)
		 VALUES `+strings.Join(values, ", ")+` RETURNING id, order_index`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert questions: %w", err)
	}
	created := make([]CreatedQuestion, 0, n)
	for rows.Next() {
		var c CreatedQuestion
		if err := rows.Scan(&c.ID, &c.OrderIndex); err != nil {
			rows.Close()
			return nil, err
		}
		created = append(created, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(created, func(i, j int) bool { return created[i].OrderIndex < created[j].OrderIndex })

	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET question_count = question_count + ?, updated_at = ? WHERE id = ?`,
		n, now, bookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	slog.Info("inserted questions", "book_id", bookID, "count", n, "position", pos, "start", start)
	return created, nil
}

// reserveRange returns the first ordinal of a free contiguous range of n
// slots. For PositionStart the existing questions are shifted up by n.
func reserveRange(ctx context.Context, tx *sql.Tx, bookID int64, n int, pos Position) (int, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM books WHERE id = ?`, bookID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if pos == PositionStart {
		if err := shiftOrder(ctx, tx, bookID, n, 1, -1); err != nil {
			return 0, err
		}
		return 1, nil
	}
	var maxOrder sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(order_index) FROM questions WHERE book_id = ?`, bookID).Scan(&maxOrder); err != nil {
		return 0, err
	}
	return int(maxOrder.Int64) + 1, nil
}

// shiftOrder adds delta to the order_index of every question of the book
// in [from, to]; to < 0 means no upper bound. Rows pass through negative
// values so no intermediate state collides on (book_id, order_index).
func shiftOrder(ctx context.Context, tx *sql.Tx, bookID int64, delta, from, to int) error {
	query := `UPDATE questions SET order_index = -(order_index + ?) WHERE book_id = ? AND order_index >= ?`
	args := []any{delta, bookID, from}
	if to >= 0 {
		query += ` AND order_index <= ?`
		args = append(args, to)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("shift questions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET order_index = -order_index WHERE book_id = ? AND order_index < 0`, bookID); err != nil {
		return fmt.Errorf("shift questions: %w", err)
	}
	return nil
}

// GetQuestion returns a question by id.
func (s *Store) GetQuestion(ctx context.Context, id int64) (*model.Question, error) {
	return scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
}

// ListQuestions returns every question of a book ordered by orderIndex.
func (s *Store) ListQuestions(ctx context.Context, bookID int64) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE book_id = ? ORDER BY order_index`, bookID)
}

// QuestionsByID returns the questions of a book among ids, in book order.
// Unknown ids and ids of other books are skipped.
func (s *Store) QuestionsByID(ctx context.Context, bookID int64, ids []int64) ([]model.Question, error) {
	if len(ids) == 0 {
		return []model.Question{}, nil
	}
	args := []any{bookID}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE book_id = ? AND id IN (?`+
			strings.Repeat(", ?", len(ids)-1)+`) ORDER BY order_index`, args...)
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	qs := []model.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		qs = append(qs, *q)
	}
	return qs, rows.Err()
}

// UpdateQuestion merges p into the question and validates the result.
// A new orderIndex moves the question within its book, shifting the
// questions in between so the numbering stays contiguous.
func (s *Store) UpdateQuestion(ctx context.Context, id int64, p model.QuestionPatch) (*model.Question, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanQuestion(tx.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	it := p.Apply(cur.Item())
	body, err := it.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	it = model.ItemOf(it.Question, body)

	if p.OrderIndex != nil && *p.OrderIndex != cur.OrderIndex {
		if err := moveQuestion(ctx, tx, cur, *p.OrderIndex); err != nil {
			return nil, err
		}
	}

	choices, answer, err := encodeBody(it)
	if err != nil {
		return nil, err
	}
	now := ms(s.now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET type = ?, question = ?, choices = ?, answer = ?, updated_at = ? WHERE id = ?`,
		it.Type, it.Question, choices, answer, now, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET updated_at = ? WHERE id = ?`, now, cur.BookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetQuestion(ctx, id)
}

// moveQuestion places q at position to, which must lie within 1..count.
func moveQuestion(ctx context.Context, tx *sql.Tx, q *model.Question, to int) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE book_id = ?`, q.BookID).Scan(&count); err != nil {
		return err
	}
	if to < 1 || to > count {
		return fmt.Errorf("%w: orderIndex must be between 1 and %d", ErrInvalid, count)
	}
	// Park the moved row at 0, outside the 1-based range.
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET order_index = 0 WHERE id = ?`, q.ID); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	var err error
	if to < q.OrderIndex {
		err = shiftOrder(ctx, tx, q.BookID, 1, to, q.OrderIndex-1)
	} else {
		err = shiftOrder(ctx, tx, q.BookID, -1, q.OrderIndex+1, to)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET order_index = ? WHERE id = ?`, to, q.ID); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// DeleteQuestion removes a question, closes the gap it leaves in the
// book's numbering and decrements the book's question count.
func (s *Store) DeleteQuestion(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var bookID int64
	var order int
	err = tx.QueryRowContext(ctx,
		`SELECT book_id, order_index FROM questions WHERE id = ?`, id).Scan(&bookID, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id); err != nil {
		return err
	}
	if err := shiftOrder(ctx, tx, bookID, -1, order+1, -1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET question_count = MAX(question_count - 1, 0), updated_at = ? WHERE id = ?`,
		ms(s.now()), bookID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("deleted question", "id", id, "book_id", bookID)
	return nil
}
