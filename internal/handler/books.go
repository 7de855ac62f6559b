package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

type createBookRequest struct {
	Title       string           `json:"title" validate:"required,max=200"`
	Description string           `json:"description" validate:"max=2000"`
	Visibility  model.Visibility `json:"visibility" validate:"omitempty,oneof=PUBLIC PRIVATE"`
}

type updateBookRequest struct {
	Title       *string           `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string           `json:"description" validate:"omitempty,max=2000"`
	Visibility  *model.Visibility `json:"visibility" validate:"omitempty,oneof=PUBLIC PRIVATE"`
}

type insertQuestionsRequest struct {
	Items  []model.QuestionItem `json:"items" validate:"required,min=1,max=100"`
	Insert *struct {
		Position store.Position `json:"position" validate:"omitempty,oneof=end start"`
	} `json:"insert"`
}

func (r insertQuestionsRequest) position() store.Position {
	if r.Insert == nil || r.Insert.Position == "" {
		return store.PositionEnd
	}
	return r.Insert.Position
}

type bookDetail struct {
	model.Book
	InLibrary *bool `json:"inLibrary,omitempty"`
}

// denied is the error for a caller who may not see or change a resource.
func denied(u *model.User) error {
	if u == nil {
		return apperr.Errorf(apperr.Unauthorized, "sign in required")
	}
	return apperr.Errorf(apperr.Forbidden, "not allowed")
}

// loadBook fetches the book named by the bookID URL parameter and checks
// that the caller may read it, or change it when edit is set.
func (h *Handler) loadBook(r *http.Request, edit bool) (*model.Book, error) {
	id, err := pathID(r, "bookID")
	if err != nil {
		return nil, err
	}
	b, err := h.store.GetBook(r.Context(), id)
	if err != nil {
		return nil, err
	}
	user := model.UserFromContext(r.Context())
	allowed := b.VisibleTo(user)
	if edit {
		allowed = b.EditableBy(user)
	}
	if !allowed {
		return nil, denied(user)
	}
	return b, nil
}

func (h *Handler) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	p, err := store.BookSort.Parse(pageQuery(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	viewer := model.UserFromContext(r.Context())
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	matchType := "none"
	if q != "" {
		matchType = "text"
	}

	// An exact book code short-circuits the search on the first page.
	if q != "" && p.After == nil {
		b, err := h.store.GetBookByCode(r.Context(), q)
		switch {
		case err == nil && b.VisibleTo(viewer):
			writeData(w, http.StatusOK, map[string]any{
				"matchType": "code",
				"items":     []model.Book{*b},
				"pageInfo":  pageInfo{Limit: p.Limit},
				"summary":   summary{Count: 1, Total: 1},
			})
			return
		case err != nil && !errors.Is(err, store.ErrNotFound):
			h.fail(w, r, err)
			return
		}
	}

	page, total, err := h.store.SearchBooks(r.Context(), viewer, q, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"matchType": matchType,
		"items":     page.Items,
		"pageInfo":  pageInfoOf(p, page),
		"summary":   summary{Count: len(page.Items), Total: total},
	})
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPrivate
	}

	user := model.UserFromContext(r.Context())
	b, err := h.store.CreateBook(r.Context(), model.Book{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
		AuthorID:    user.ID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("created book", "book_id", b.ID, "code", b.BookCode, "author_id", user.ID)
	writeData(w, http.StatusCreated, b)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	detail := bookDetail{Book: *b}
	if user := model.UserFromContext(r.Context()); user != nil {
		in, err := h.store.InLibrary(r.Context(), user.ID, b.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		detail.InLibrary = &in
	}
	writeData(w, http.StatusOK, detail)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req updateBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Title != nil {
		*req.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		*req.Description = strings.TrimSpace(*req.Description)
	}
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Title == nil && req.Description == nil && req.Visibility == nil {
		h.fail(w, r, apperr.Errorf(apperr.InvalidBody, "nothing to update"))
		return
	}

	updated, err := h.store.UpdateBook(r.Context(), b.ID, model.BookPatch{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeleteBook(r.Context(), b.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deletedId": b.ID})
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	qs, err := h.store.ListQuestions(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"bookId": b.ID,
		"items":  qs,
		"count":  len(qs),
	})
}

func (h *Handler) handleInsertQuestions(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req insertQuestionsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	created, err := h.store.InsertQuestions(r.Context(), b.ID, user.ID, req.Items, req.position())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"bookId":  b.ID,
		"created": created,
		"summary": map[string]any{"requested": len(req.Items), "created": len(created)},
		"message": appI18n.Tp(r.Context(), "QuestionsCreated", len(created)),
	})
}
