// Package extract turns uploaded documents into plain text for the
// question generator.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	pdf "github.com/ledongthuc/pdf"
)

// Kind is the detected document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

// Detect decides how to read data. The name and declared MIME type are
// hints; the content signature wins when it is recognised.
func Detect(name, mime string, data []byte) Kind {
	if mimetype.Detect(data).Is("application/pdf") {
		return KindPDF
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	if strings.HasPrefix(mime, "application/pdf") || strings.EqualFold(filepath.Ext(name), ".pdf") {
		return KindPDF
	}
	return KindText
}

// Text extracts plain text from data. A document that yields no text is not
// an error: the result is simply empty.
func Text(name, mime string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	switch Detect(name, mime, data) {
	case KindPDF:
		return pdfText(data)
	default:
		return decodeText(data), nil
	}
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	text := CollapseWhitespace(string(b))
	if text == "" {
		slog.Warn("pdf produced no text", "pages", r.NumPage())
	}
	return text, nil
}

// decodeText reads data as UTF-8, dropping invalid sequences.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

// CollapseWhitespace replaces every run of whitespace with a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
