// Package clausegen drafts contract clauses from a short description
// using an OpenAI-compatible chat completions endpoint.
package clausegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrEmptyPrompt     = errors.New("clause prompt is empty")
	ErrPromptTooLong   = errors.New("clause prompt too long")
	ErrRateLimited     = errors.New("clause generation rate limited")
	ErrResponseInvalid = errors.New("clause generation returned no text")
)

const maxPromptRunes = 2000

const systemPrompt = "You are a legal drafting assistant. Write a single contract clause " +
	"for the request below. Reply with the clause text only, without preamble, " +
	"headings or explanations."

// Generator turns a request into clause text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Validate trims prompt and rejects empty or oversized requests.
func Validate(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if len([]rune(prompt)) > maxPromptRunes {
		return "", ErrPromptTooLong
	}
	return prompt, nil
}

type Options struct {
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     time.Duration
	Temperature *float64
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Temperature == nil {
		t := 0.2
		o.Temperature = &t
	}
}

// Client calls POST {BaseURL}/chat/completions.
type Client struct {
	url    string
	apiKey string
	model  string
	temp   *float64
	do     func(*http.Request) (*http.Response, error)
}

func New(opts Options) (*Client, error) {
	opts.defaults()
	if opts.APIKey == "" {
		return nil, fmt.Errorf("clausegen: missing api key")
	}
	hc := &http.Client{Timeout: opts.Timeout}
	return &Client{
		url:    strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey: opts.APIKey,
		model:  opts.Model,
		temp:   opts.Temperature,
		do:     hc.Do,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// UpstreamError is a non-2xx reply other than 429.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("clause generation upstream %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *UpstreamError) Temporary() bool {
	return e.Status == http.StatusRequestTimeout || e.Status/100 == 5
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	prompt, err := Validate(prompt)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temp,
	})
	if err != nil {
		return "", fmt.Errorf("encode clause request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new clause request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("clause request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(slurp))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode clause response: %w", ErrResponseInvalid)
	}
	if len(out.Choices) == 0 {
		return "", ErrResponseInvalid
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrResponseInvalid
	}
	return text, nil
}

// Offline is used when no model is configured. It returns a clearly
// marked placeholder clause so drafting flows stay usable in development.
type Offline struct{}

func (Offline) Generate(_ context.Context, prompt string) (string, error) {
	prompt, err := Validate(prompt)
	if err != nil {
		return "", err
	}
	return "[Draft clause] " + prompt, nil
}
