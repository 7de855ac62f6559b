package generate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jinjjij/Capstone-Qbank/internal/llm"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

const submitToolName = "submit_questions"

var fenceRegex = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\\n?(.*?)```")

// rawItem is a question as the model returns it, before normalization.
type rawItem struct {
	Question string         `json:"question"`
	Choices  []model.Choice `json:"choices"`
	Answer   model.Answer   `json:"answer"`
}

func submitTool(count int) *llm.Tool {
	choice := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":   map[string]any{"type": "string"},
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"id", "text"},
	}
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string"},
			"choices": map[string]any{
				"type":     "array",
				"minItems": 2,
				"items":    choice,
			},
			"answer": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string"},
				},
				"required": []string{"id"},
			},
		},
		"required": []string{"question", "choices", "answer"},
	}
	return &llm.Tool{
		Name:        submitToolName,
		Description: "Submit the generated multiple-choice questions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{
					"type":     "array",
					"minItems": count,
					"items":    item,
				},
			},
			"required": []string{"items"},
		},
	}
}

// parseResponse prefers the tool call arguments and falls back to the
// free-text content.
func parseResponse(resp *llm.Response) ([]rawItem, error) {
	if strings.TrimSpace(resp.Arguments) != "" {
		items, err := decodeItems(resp.Arguments)
		if err == nil {
			return items, nil
		}
		if strings.TrimSpace(resp.Content) == "" {
			return nil, fmt.Errorf("tool arguments: %w", err)
		}
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, errors.New("empty model response")
	}
	return decodeItems(resp.Content)
}

// decodeItems accepts either a JSON array of items or an object with an
// "items" array.
func decodeItems(text string) ([]rawItem, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	if raw[0] == '{' {
		var wrapper struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		raw = bytes.TrimSpace(wrapper.Items)
		if len(raw) == 0 || raw[0] != '[' {
			return nil, errors.New("response is not an array of questions")
		}
	}
	if raw[0] != '[' {
		return nil, errors.New("response is not an array of questions")
	}

	var items []rawItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

// ExtractJSON pulls a JSON value out of model output: Markdown code fences
// are stripped, then the text is parsed directly, and failing that the
// span from the first '[' to the last ']' is tried.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(StripCodeFences(text))
	if s == "" {
		return nil, errors.New("no JSON in response")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}

	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start >= 0 && end > start {
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, errors.New("no JSON in response")
}

// StripCodeFences returns the body of the first fenced block, or s
// unchanged when there is none.
func StripCodeFences(s string) string {
	if m := fenceRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
