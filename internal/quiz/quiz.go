// Package quiz grades attempts and builds wrong-answer notes.
package quiz

import (
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/llm/prompts"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

// Response is a learner's answer to one question.
type Response struct {
	QuestionID int64        `json:"questionId" validate:"required,gt=0"`
	Answer     model.Answer `json:"answer"`
}

// Result summarises a graded attempt.
type Result struct {
	Total            int     `json:"total"`
	Correct          int     `json:"correct"`
	Wrong            int     `json:"wrong"`
	Score            int     `json:"score"`
	WrongQuestionIDs []int64 `json:"wrongQuestionIds"`
}

// IsCorrect reports whether a answers q correctly.
func IsCorrect(q model.Question, a model.Answer) bool {
	switch b := q.Body.(type) {
	case model.MultipleChoice:
		return a.ID != "" && a.ID == b.AnswerID
	case model.ShortAnswer:
		return normalizeAnswer(a.Text) != "" && normalizeAnswer(a.Text) == normalizeAnswer(b.Answer)
	}
	return false
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Grade scores responses against the questions of a book. Responses to
// questions outside the book count as wrong. Each question is graded once.
func Grade(questions []model.Question, responses []Response) Result {
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	res := Result{WrongQuestionIDs: []int64{}}
	seen := make(map[int64]bool, len(responses))
	for _, r := range responses {
		if seen[r.QuestionID] {
			continue
		}
		seen[r.QuestionID] = true
		res.Total++

		q, ok := byID[r.QuestionID]
		if ok && IsCorrect(q, r.Answer) {
			res.Correct++
			continue
		}
		res.Wrong++
		res.WrongQuestionIDs = append(res.WrongQuestionIDs, r.QuestionID)
	}
	if res.Total > 0 {
		res.Score = res.Correct * 100 / res.Total
	}
	return res
}

// CorrectAnswerText spells out the answer key of q for a prompt.
func CorrectAnswerText(q model.Question) string {
	switch b := q.Body.(type) {
	case model.MultipleChoice:
		for _, c := range b.Choices {
			if c.ID == b.AnswerID {
				return c.ID + ") " + c.Text
			}
		}
		return b.AnswerID
	case model.ShortAnswer:
		return b.Answer
	}
	return ""
}

// WrongNotePrompt builds the instruction asking for new questions similar
// to the ones answered incorrectly.
func WrongNotePrompt(wrong []model.Question) (string, error) {
	data := prompts.WrongNoteData{}
	for _, q := range wrong {
		data.Questions = append(data.Questions, prompts.WrongQuestion{
			Question: q.Text,
			Answer:   CorrectAnswerText(q),
		})
	}
	return prompts.WrongNote(data)
}
