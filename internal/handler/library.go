package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

func libraryFilter(r *http.Request) (store.LibraryFilter, error) {
	q := r.URL.Query()
	f := store.LibraryFilter{Query: strings.TrimSpace(q.Get("q"))}

	if raw := q.Get("visibility"); raw != "" {
		v := model.Visibility(strings.ToUpper(raw))
		if !v.Valid() {
			return f, apperr.Errorf(apperr.InvalidQuery, "visibility must be PUBLIC or PRIVATE")
		}
		f.Visibility = &v
	}
	if raw := q.Get("ownedByMe"); raw != "" {
		owned, err := strconv.ParseBool(raw)
		if err != nil {
			return f, apperr.Errorf(apperr.InvalidQuery, "ownedByMe must be true or false")
		}
		f.OwnedByMe = &owned
	}
	return f, nil
}

func (h *Handler) handleLibrary(w http.ResponseWriter, r *http.Request) {
	p, err := store.LibrarySort.Parse(pageQuery(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := libraryFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	page, total, err := h.store.ListLibrary(r.Context(), user.ID, f, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items":    page.Items,
		"pageInfo": pageInfoOf(p, page),
		"summary":  summary{Count: len(page.Items), Total: total},
	})
}

// handleAddToLibrary saves a readable book. Saving it again is not an error.
func (h *Handler) handleAddToLibrary(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	created, err := h.store.AddToLibrary(r.Context(), user.ID, b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, map[string]any{"bookId": b.ID, "created": created})
}

func (h *Handler) handleRemoveFromLibrary(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathID(r, "bookID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	if err := h.store.RemoveFromLibrary(r.Context(), user.ID, bookID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"bookId": bookID, "removed": true})
}

func (h *Handler) handleTouchBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBook(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	if err := h.store.TouchBook(r.Context(), user.ID, b.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w)
}

func (h *Handler) handleRecentBooks(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.fail(w, r, apperr.Errorf(apperr.InvalidQuery, "limit must be an integer"))
			return
		}
		limit = n
	}

	user := model.UserFromContext(r.Context())
	items, err := h.store.RecentBooks(r.Context(), user, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}
