package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Class groups upstream failures by how the caller should react.
type Class int

const (
	ClassOther Class = iota
	ClassRateLimited
	ClassTimeout
	ClassServer
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTimeout:
		return "timeout"
	case ClassServer:
		return "server"
	default:
		return "other"
	}
}

// Retryable reports whether a failure of this class is transient.
func (c Class) Retryable() bool {
	return c != ClassOther
}

// Error is an upstream failure with its class and HTTP status, if any.
type Error struct {
	Class  Class
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (%d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err in an *Error describing its class.
func Classify(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}

	e := &Error{Class: ClassOther, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
	}

	var netErr net.Error
	switch {
	case e.Status == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
	case e.Status == http.StatusRequestTimeout:
		e.Class = ClassTimeout
	case e.Status >= 500:
		e.Class = ClassServer
	case errors.Is(err, context.DeadlineExceeded):
		e.Class = ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Class = ClassTimeout
	}
	return e
}

// Tool is a function the model is forced to call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	Tool        *Tool
	MaxTokens   int
	Temperature float32
}

// Response carries the tool call arguments when the model complied with
// the tool, and the free-text content otherwise.
type Response struct {
	Arguments    string
	Content      string
	FinishReason string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Invoke sends one chat completion. Failures from the API are returned as *Error.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Tool != nil {
		creq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        req.Tool.Name,
				Description: req.Tool.Description,
				Parameters:  req.Tool.Parameters,
			},
		}}
		creq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.Tool.Name},
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, Classify(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		if req.Tool != nil && tc.Function.Name == req.Tool.Name {
			out.Arguments = tc.Function.Arguments
			break
		}
	}
	slog.Debug("LLM response",
		"model", c.model,
		"finish_reason", out.FinishReason,
		"tool_call", out.Arguments != "",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return out, nil
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return Classify(fmt.Errorf("list models: %w", err))
	}
	return nil
}
