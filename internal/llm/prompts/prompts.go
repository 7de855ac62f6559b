// Package prompts renders the prompts sent to the question generator.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var delimiterRegex = regexp.MustCompile(`(?i)</?\s*(source|instructions)\b[^>]*>`)

var (
	loadOnce sync.Once
	loadErr  error
	tmpls    *template.Template
)

// GenerationData holds template data for a generation batch.
type GenerationData struct {
	Count        int
	Source       string
	Instructions string
}

// WrongQuestion is a question the learner got wrong, with its correct answer
// spelled out.
type WrongQuestion struct {
	Question string
	Answer   string
}

// WrongNoteData holds template data for a wrong-answer note request.
type WrongNoteData struct {
	Questions []WrongQuestion
}

func load() error {
	loadOnce.Do(func() {
		funcs := template.FuncMap{"inc": func(i int) int { return i + 1 }}
		tmpls, loadErr = template.New("prompts").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", loadErr)
		}
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpls.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Generation builds the user prompt for one batch.
func Generation(d GenerationData) (string, error) {
	d.Source = Sanitize(d.Source)
	d.Instructions = Sanitize(d.Instructions)
	return render("generate.tmpl", d)
}

// WrongNote builds the free-form instruction used to regenerate questions
// similar to the ones answered incorrectly.
func WrongNote(d WrongNoteData) (string, error) {
	for i := range d.Questions {
		d.Questions[i].Question = Sanitize(d.Questions[i].Question)
		d.Questions[i].Answer = Sanitize(d.Questions[i].Answer)
	}
	return render("wrongnote.tmpl", d)
}

// Sanitize removes tags that would let user text break out of its
// delimited section.
func Sanitize(s string) string {
	return strings.TrimSpace(delimiterRegex.ReplaceAllString(s, ""))
}
