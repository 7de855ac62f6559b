package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/extract"
	"github.com/jinjjij/Capstone-Qbank/internal/generate"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

const (
	maxUploadBytes = 20 << 20
	aiPingTimeout  = 10 * time.Second
)

func (h *Handler) aiUnavailable() error {
	return apperr.Errorf(apperr.AIUnavailable, "no language model configured")
}

func (h *Handler) handleAIHealth(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil || h.gen == nil {
		h.fail(w, r, h.aiUnavailable())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), aiPingTimeout)
	defer cancel()
	if err := h.ai.Ping(ctx); err != nil {
		slog.Warn("LLM health check failed", "error", err)
		h.fail(w, r, apperr.New(apperr.AIUnavailable, err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status": "available",
		"model":  h.cfg.LLM.Model,
	})
}

// questionCount parses the requested number of questions. Out-of-range
// values are answered with the localized bounds and ok=false.
func (h *Handler) questionCount(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(r.FormValue("questionCount")))
	if err != nil || n < 1 || n > h.cfg.MaxCount {
		failWith(w, apperr.InvalidField, appI18n.Td(r.Context(), "QuestionCountRange", map[string]any{"Max": h.cfg.MaxCount}))
		return 0, false
	}
	return n, true
}

// parseUpload reads a multipart form and extracts the text of the first
// file found under one of fields. A missing file yields empty text.
func parseUpload(w http.ResponseWriter, r *http.Request, fields ...string) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", apperr.New(apperr.InvalidBody, err)
	}

	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return "", apperr.New(apperr.InvalidBody, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return "", apperr.New(apperr.InvalidBody, err)
		}

		text, err := extract.Text(header.Filename, header.Header.Get("Content-Type"), data)
		if err != nil {
			// Extraction is best effort: an unreadable file counts as empty.
			slog.Warn("text extraction failed", "file", header.Filename, "error", err)
			return "", nil
		}
		slog.Debug("extracted upload", "file", header.Filename, "bytes", len(data), "chars", len(text))
		return text, nil
	}
	return "", nil
}

// validItems keeps the generated items that pass validation.
func validItems(items []model.QuestionItem) ([]model.QuestionItem, int) {
	valid := make([]model.QuestionItem, 0, len(items))
	for _, it := range items {
		if _, err := it.Validate(); err != nil {
			slog.Debug("dropping invalid generated item", "error", err)
			continue
		}
		valid = append(valid, it)
	}
	return valid, len(items) - len(valid)
}

func (h *Handler) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		h.fail(w, r, h.aiUnavailable())
		return
	}
	source, err := parseUpload(w, r, "file", "pdf")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	count, ok := h.questionCount(w, r)
	if !ok {
		return
	}

	res, err := h.gen.Generate(r.Context(), generate.Request{
		SourceText:     source,
		FreeformPrompt: r.FormValue("message"),
		Count:          count,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"runId": res.RunID,
		"items": res.Items,
	})
}

// handleCreateBookAI generates questions from an upload and stores them in
// a new book owned by the caller. Generated items that fail validation are
// dropped; the book is only created when at least one survives.
func (h *Handler) handleCreateBookAI(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		h.fail(w, r, h.aiUnavailable())
		return
	}
	source, err := parseUpload(w, r, "pdf", "file")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := createBookRequest{
		Title:       strings.TrimSpace(r.FormValue("title")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Visibility:  model.Visibility(strings.ToUpper(strings.TrimSpace(r.FormValue("visibility")))),
	}
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPrivate
	}
	count, ok := h.questionCount(w, r)
	if !ok {
		return
	}

	res, err := h.gen.Generate(r.Context(), generate.Request{
		SourceText:     source,
		FreeformPrompt: r.FormValue("message"),
		Count:          count,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, dropped := validItems(res.Items)
	if len(items) == 0 {
		h.fail(w, r, apperr.Errorf(apperr.InvalidAIResponse, "no valid questions in %d generated", len(res.Items)))
		return
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
	created, err := h.store.InsertQuestions(r.Context(), b.ID, user.ID, items, store.PositionEnd)
	if err != nil {
		if derr := h.store.DeleteBook(r.Context(), b.ID); derr != nil {
			slog.Error("failed to remove book after question insert failed", "book_id", b.ID, "error", derr)
		}
		h.fail(w, r, err)
		return
	}
	b, err = h.store.GetBook(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	slog.Info("created book from generation", "book_id", b.ID, "run_id", res.RunID, "questions", len(created), "dropped", dropped)
	data := map[string]any{
		"book":    b,
		"created": created,
		"summary": map[string]any{
			"requested": count,
			"generated": len(res.Items),
			"dropped":   dropped,
		},
	}
	if dropped > 0 {
		data["message"] = appI18n.Tp(r.Context(), "DroppedInvalidItems", dropped)
	}
	writeData(w, http.StatusCreated, data)
}
