package model

import "time"

// ExportVersion is the current version of the book export format.
const ExportVersion = 1

// BookExport is a portable copy of a book and its questions, as written
// by `qbank export` and read by `qbank import`.
type BookExport struct {
	Version     int            `json:"version"`
	ExportedAt  time.Time      `json:"exportedAt"`
	BookCode    string         `json:"bookCode,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Visibility  Visibility     `json:"visibility"`
	Questions   []QuestionItem `json:"questions"`
}
