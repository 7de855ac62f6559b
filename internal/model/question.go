package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QuestionType discriminates the question variants.
type QuestionType string

const (
	QuestionMCQ   QuestionType = "MCQ"
	QuestionShort QuestionType = "SHORT"
)

// Choice is one labeled option of a multiple-choice question.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Answer is the answer key on the wire. MCQ answers reference a choice
// by ID, short answers carry the expected Text.
type Answer struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// QuestionItem is the loose wire shape of a question as produced by the
// generator or submitted by a client. It becomes a Body only after Validate.
type QuestionItem struct {
	Type     QuestionType `json:"type"`
	Question string       `json:"question"`
	Choices  []Choice     `json:"choices,omitempty"`
	Answer   Answer       `json:"answer"`
}

var (
	ErrEmptyQuestion   = errors.New("question text is empty")
	ErrUnknownType     = errors.New("unknown question type")
	ErrTooFewChoices   = errors.New("multiple-choice question needs at least 2 choices")
	ErrBadChoice       = errors.New("choice id and text must be non-empty and ids unique")
	ErrAnswerNotChoice = errors.New("answer does not reference a choice")
	ErrEmptyAnswer     = errors.New("answer is empty")
	ErrShortHasChoices = errors.New("short-answer question cannot have choices")
)

// Body is the closed set of question variants: MultipleChoice or ShortAnswer.
type Body interface {
	Kind() QuestionType
	sealed()
}

// MultipleChoice is answered by picking one of Choices.
type MultipleChoice struct {
	Choices  []Choice
	AnswerID string
}

// ShortAnswer is answered with free text.
type ShortAnswer struct {
	Answer string
}

func (MultipleChoice) Kind() QuestionType { return QuestionMCQ }
func (MultipleChoice) sealed()            {}
func (ShortAnswer) Kind() QuestionType    { return QuestionShort }
func (ShortAnswer) sealed()               {}

// Validate checks the item against the rules of its type and returns the
// typed body.
func (it QuestionItem) Validate() (Body, error) {
	if strings.TrimSpace(it.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	switch it.Type {
	case QuestionMCQ:
		if len(it.Choices) < 2 {
			return nil, ErrTooFewChoices
		}
		seen := make(map[string]bool, len(it.Choices))
		for _, c := range it.Choices {
			if c.ID == "" || strings.TrimSpace(c.Text) == "" || seen[c.ID] {
				return nil, ErrBadChoice
			}
			seen[c.ID] = true
		}
		if !seen[it.Answer.ID] {
			return nil, ErrAnswerNotChoice
		}
		return MultipleChoice{Choices: it.Choices, AnswerID: it.Answer.ID}, nil
	case QuestionShort:
		if len(it.Choices) > 0 {
			return nil, ErrShortHasChoices
		}
		if strings.TrimSpace(it.Answer.Text) == "" {
			return nil, ErrEmptyAnswer
		}
		return ShortAnswer{Answer: it.Answer.Text}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, it.Type)
	}
}

// ItemOf rebuilds the wire shape from a validated body.
func ItemOf(text string, b Body) QuestionItem {
	it := QuestionItem{Question: text}
	switch v := b.(type) {
	case MultipleChoice:
		it.Type = QuestionMCQ
		it.Choices = v.Choices
		it.Answer = Answer{ID: v.AnswerID}
	case ShortAnswer:
		it.Type = QuestionShort
		it.Answer = Answer{Text: v.Answer}
	}
	return it
}

// Question is a persisted question of a book.
type Question struct {
	ID         int64
	BookID     int64
	AuthorID   int64
	OrderIndex int
	Text       string
	Body       Body
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Item returns the question in its wire shape.
func (q Question) Item() QuestionItem {
	return ItemOf(q.Text, q.Body)
}

type questionJSON struct {
	ID         int64        `json:"id"`
	BookID     int64        `json:"bookId"`
	AuthorID   int64        `json:"authorId"`
	OrderIndex int          `json:"orderIndex"`
	Type       QuestionType `json:"type"`
	Question   string       `json:"question"`
	Choices    []Choice     `json:"choices,omitempty"`
	Answer     Answer       `json:"answer"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// MarshalJSON flattens the body into the question object.
func (q Question) MarshalJSON() ([]byte, error) {
	it := q.Item()
	return json.Marshal(questionJSON{
		ID:         q.ID,
		BookID:     q.BookID,
		AuthorID:   q.AuthorID,
		OrderIndex: q.OrderIndex,
		Type:       it.Type,
		Question:   it.Question,
		Choices:    it.Choices,
		Answer:     it.Answer,
		CreatedAt:  q.CreatedAt,
		UpdatedAt:  q.UpdatedAt,
	})
}

// QuestionPatch holds the optional fields of a question update. Changing
// the type usually requires Choices and Answer too, since the merged item
// is validated as a whole.
type QuestionPatch struct {
	OrderIndex *int
	Type       *QuestionType
	Question   *string
	Choices    *[]Choice
	Answer     *Answer
}

// Apply merges p into it.
func (p QuestionPatch) Apply(it QuestionItem) QuestionItem {
	if p.Type != nil {
		it.Type = *p.Type
	}
	if p.Question != nil {
		it.Question = strings.TrimSpace(*p.Question)
	}
	if p.Choices != nil {
		it.Choices = *p.Choices
	}
	if p.Answer != nil {
		it.Answer = *p.Answer
	}
	return it
}

// Empty reports whether p changes nothing.
func (p QuestionPatch) Empty() bool {
	return p.OrderIndex == nil && p.Type == nil && p.Question == nil && p.Choices == nil && p.Answer == nil
}
