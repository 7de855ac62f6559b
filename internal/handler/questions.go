package handler

import (
	"net/http"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

type updateQuestionRequest struct {
	OrderIndex *int                `json:"orderIndex" validate:"omitempty,min=1"`
	Type       *model.QuestionType `json:"type" validate:"omitempty,oneof=MCQ SHORT"`
	Question   *string             `json:"question" validate:"omitempty,max=2000"`
	Choices    *[]model.Choice     `json:"choices"`
	Answer     *model.Answer       `json:"answer"`
}

// canEditQuestion reports whether u may change q: its author, the author of
// its book, or an admin.
func canEditQuestion(u *model.User, q *model.Question, b *model.Book) bool {
	return u != nil && (u.IsAdmin || u.ID == q.AuthorID || u.ID == b.AuthorID)
}

// loadQuestion fetches the question named by the questionID URL parameter
// and applies the read or write rule.
func (h *Handler) loadQuestion(r *http.Request, edit bool) (*model.Question, error) {
	id, err := pathID(r, "questionID")
	if err != nil {
		return nil, err
	}
	q, err := h.store.GetQuestion(r.Context(), id)
	if err != nil {
		return nil, err
	}
	b, err := h.store.GetBook(r.Context(), q.BookID)
	if err != nil {
		return nil, err
	}
	user := model.UserFromContext(r.Context())
	allowed := b.VisibleTo(user)
	if edit {
		allowed = canEditQuestion(user, q, b)
	}
	if !allowed {
		return nil, denied(user)
	}
	return q, nil
}

func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.loadQuestion(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.loadQuestion(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req updateQuestionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	patch := model.QuestionPatch{
		OrderIndex: req.OrderIndex,
		Type:       req.Type,
		Question:   req.Question,
		Choices:    req.Choices,
		Answer:     req.Answer,
	}
	if patch.Empty() {
		h.fail(w, r, apperr.Errorf(apperr.InvalidBody, "nothing to update"))
		return
	}

	updated, err := h.store.UpdateQuestion(r.Context(), q.ID, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.loadQuestion(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeleteQuestion(r.Context(), q.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deletedId": q.ID})
}
