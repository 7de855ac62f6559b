package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

type setAdminRequest struct {
	IsAdmin *bool `json:"isAdmin" validate:"required"`
}

func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for i := range users {
		users[i].IsAdmin = users[i].IsAdmin || h.cfg.IsAdminIdentity(users[i].ID, users[i].Email)
	}
	writeData(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

// handleAdminSetAdmin sets the stored admin flag. Users named in the
// configured admin lists stay admins regardless.
func (h *Handler) handleAdminSetAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req setAdminRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetAdmin(r.Context(), id, *req.IsAdmin); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user.IsAdmin = user.IsAdmin || h.cfg.IsAdminIdentity(user.ID, user.Email)
	slog.Info("changed admin flag", "user_id", id, "admin", *req.IsAdmin,
		"by", model.UserFromContext(r.Context()).ID)
	writeData(w, http.StatusOK, user)
}

func (h *Handler) handleAdminCleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.CleanupExpiredSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": n})
}

func (h *Handler) handleExportBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	exp, err := h.store.ExportBook(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, exp)
}

// handleImportBook creates a book from an uploaded export file. Uploading
// the same file again returns the book from the first import.
func (h *Handler) handleImportBook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.fail(w, r, apperr.New(apperr.InvalidBody, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, apperr.New(apperr.InvalidBody, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, apperr.New(apperr.InvalidBody, err))
		return
	}
	var exp model.BookExport
	if err := json.Unmarshal(data, &exp); err != nil {
		h.fail(w, r, apperr.New(apperr.InvalidBody, err))
		return
	}

	user := model.UserFromContext(r.Context())
	b, imported, err := h.store.ImportBook(r.Context(), user.ID, exp, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if imported {
		status = http.StatusCreated
		slog.Info("imported book via admin", "filename", header.Filename, "book_id", b.ID)
	}
	writeData(w, status, map[string]any{"book": b, "imported": imported})
}
