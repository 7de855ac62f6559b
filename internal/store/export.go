package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

// ExportBook builds a portable copy of a book with its questions in order.
func (s *Store) ExportBook(ctx context.Context, id int64) (*model.BookExport, error) {
	b, err := s.GetBook(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get book %d: %w", id, err)
	}
	qs, err := s.ListQuestions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list questions of book %d: %w", id, err)
	}
	items := make([]model.QuestionItem, 0, len(qs))
	for _, q := range qs {
		items = append(items, q.Item())
	}
	return &model.BookExport{
		Version:     model.ExportVersion,
		ExportedAt:  s.now().UTC(),
		BookCode:    b.BookCode,
		Title:       b.Title,
		Description: b.Description,
		Visibility:  b.Visibility,
		Questions:   items,
	}, nil
}

// ImportBook creates a new book owned by authorID from an export. raw is
// the file the export was read from; importing the same bytes twice returns
// the book created the first time with imported=false.
func (s *Store) ImportBook(ctx context.Context, authorID int64, exp model.BookExport, raw []byte) (book *model.Book, imported bool, err error) {
	if exp.Version != model.ExportVersion {
		return nil, false, fmt.Errorf("%w: unsupported export version %d", ErrInvalid, exp.Version)
	}
	if exp.Title == "" {
		return nil, false, fmt.Errorf("%w: export has no title", ErrInvalid)
	}
	if _, err := validateItems(exp.Questions); err != nil {
		return nil, false, err
	}

	sum := sha256.Sum256(raw)
	key := "import:" + hex.EncodeToString(sum[:])
	prev, err := s.GetMetadata(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if prev != "" {
		id, err := strconv.ParseInt(prev, 10, 64)
		if err == nil {
			if b, err := s.GetBook(ctx, id); err == nil {
				slog.Info("export already imported, skipping", "book_id", id)
				return b, false, nil
			}
		}
	}

	vis := exp.Visibility
	if !vis.Valid() {
		vis = model.VisibilityPrivate
	}
	b, err := s.CreateBook(ctx, model.Book{
		Title:       exp.Title,
		Description: exp.Description,
		Visibility:  vis,
		AuthorID:    authorID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create book: %w", err)
	}
	if len(exp.Questions) > 0 {
		if _, err := s.InsertQuestions(ctx, b.ID, authorID, exp.Questions, PositionEnd); err != nil {
			// The book must not outlive a failed question insert.
			_ = s.DeleteBook(ctx, b.ID)
			return nil, false, fmt.Errorf("insert questions: %w", err)
		}
	}
	if err := s.SetMetadata(ctx, key, strconv.FormatInt(b.ID, 10)); err != nil {
		return nil, false, err
	}
	b, err = s.GetBook(ctx, b.ID)
	if err != nil {
		return nil, false, err
	}
	slog.Info("imported book", "book_id", b.ID, "questions", len(exp.Questions))
	return b, true, nil
}
