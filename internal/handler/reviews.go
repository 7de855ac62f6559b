package handler

import (
	"net/http"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

type reviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

func (h *Handler) handleUpsertReview(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reviewRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	review, err := h.store.UpsertReview(r.Context(), model.Review{
		BookID:  b.ID,
		UserID:  user.ID,
		Rating:  req.Rating,
		Comment: strings.TrimSpace(req.Comment),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err = h.store.GetBook(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"review":      review,
		"ratingAvg":   b.RatingAvg,
		"ratingCount": b.RatingCount,
	})
}

func (h *Handler) handleListReviews(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := store.ReviewSort.Parse(pageQuery(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.store.ListReviews(r.Context(), b.ID, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"bookId":   b.ID,
		"items":    page.Items,
		"pageInfo": pageInfoOf(p, page),
	})
}
