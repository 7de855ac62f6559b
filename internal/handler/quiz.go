package handler

import (
	"log/slog"
	"net/http"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/generate"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/quiz"
)

type attemptRequest struct {
	Answers []quiz.Response `json:"answers" validate:"required,min=1,max=500,dive"`
}

type wrongNoteRequest struct {
	QuestionIDs   []int64 `json:"questionIds" validate:"required,min=1,max=50,dive,gt=0"`
	QuestionCount int     `json:"questionCount" validate:"required,min=1"`
}

// handleAttempt grades a set of answers against the book. Signed-in users
// also get the book recorded as recently opened.
func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req attemptRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	qs, err := h.store.ListQuestions(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res := quiz.Grade(qs, req.Answers)

	if user := model.UserFromContext(r.Context()); user != nil {
		if err := h.store.TouchBook(r.Context(), user.ID, b.ID); err != nil {
			slog.Warn("failed to record activity", "user_id", user.ID, "book_id", b.ID, "error", err)
		}
	}
	writeData(w, http.StatusOK, res)
}

// handleWrongNote generates new questions similar to the ones the user
// answered wrong.
func (h *Handler) handleWrongNote(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		h.fail(w, r, h.aiUnavailable())
		return
	}
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req wrongNoteRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	wrong, err := h.store.QuestionsByID(r.Context(), b.ID, req.QuestionIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(wrong) == 0 {
		h.fail(w, r, apperr.Errorf(apperr.NotFound, "none of the questions belong to book %d", b.ID))
		return
	}
	prompt, err := quiz.WrongNotePrompt(wrong)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.gen.Generate(r.Context(), generate.Request{
		FreeformPrompt: prompt,
		Count:          req.QuestionCount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"bookId":  b.ID,
		"runId":   res.RunID,
		"sources": len(wrong),
		"items":   res.Items,
	})
}
