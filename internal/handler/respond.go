package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/pagination"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

const maxJSONBody = 1 << 20

type envelope struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

type pageInfo struct {
	Limit      int     `json:"limit"`
	HasNext    bool    `json:"hasNext"`
	NextCursor *string `json:"nextCursor"`
}

type summary struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

func pageInfoOf[T any](p pagination.Params, page pagination.Page[T]) pageInfo {
	return pageInfo{Limit: p.Limit, HasNext: page.HasNext, NextCursor: page.NextCursor}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

// errorCode maps err to the outcome reported to the caller.
func errorCode(err error) apperr.Code {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return ae.Code
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict
	case errors.Is(err, store.ErrInvalid):
		return apperr.InvalidField
	}
	return apperr.Internal
}

// fail writes err as a localized error envelope. Internal errors are logged
// and their text never reaches the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	log := slog.With("method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	if code == apperr.Internal {
		log.Error("request failed", "error", err)
	} else {
		log.Debug("request rejected", "code", code, "error", err)
	}

	env := envelope{Error: string(code), Message: appI18n.T(r.Context(), string(code))}
	var ie *store.ItemError
	if errors.As(err, &ie) {
		env.Details = map[string]any{"index": ie.Index, "reason": ie.Err.Error()}
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make([]string, 0, len(ve))
		for _, fe := range ve {
			fields = append(fields, fe.Namespace())
		}
		env.Details = map[string]any{"fields": fields}
	}
	writeJSON(w, code.Status(), env)
}

// failWith writes code with a specific message instead of the generic one.
func failWith(w http.ResponseWriter, code apperr.Code, message string) {
	writeJSON(w, code.Status(), envelope{Error: string(code), Message: message})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst, rejecting unknown fields, then
// validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	return h.check(dst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.New(apperr.InvalidBody, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return apperr.Errorf(apperr.InvalidBody, "trailing data after JSON body")
	}
	return nil
}

// check runs the struct validation rules of v.
func (h *Handler) check(v any) error {
	if err := h.validate.Struct(v); err != nil {
		return apperr.New(apperr.InvalidField, err)
	}
	return nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Errorf(apperr.InvalidID, "invalid %s %q", name, raw)
	}
	return id, nil
}

func pageQuery(r *http.Request) pagination.Query {
	q := r.URL.Query()
	return pagination.Query{
		Sort:   q.Get("sort"),
		Order:  q.Get("order"),
		Limit:  q.Get("limit"),
		Cursor: q.Get("cursor"),
	}
}
