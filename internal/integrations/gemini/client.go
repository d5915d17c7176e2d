// Package gemini adapts Google's Gemini models to the text generation and
// embedding ports.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type contentEmbedder interface {
	EmbedContent(ctx context.Context, parts ...genai.Part) (*genai.EmbedContentResponse, error)
}

// StatusError carries the HTTP status of a failed Gemini call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string       { return fmt.Sprintf("gemini: status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error       { return e.Err }
func (e *StatusError) HTTPStatusCode() int { return e.Code }

type Client struct {
	text  contentGenerator
	json  contentGenerator
	embed contentEmbedder
	close func() error
}

func New(ctx context.Context, apiKey, model, embeddingModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	text := gc.GenerativeModel(model)
	text.SetTemperature(0)
	jsonModel := gc.GenerativeModel(model)
	jsonModel.SetTemperature(0)
	jsonModel.ResponseMIMEType = "application/json"

	return &Client{
		text:  text,
		json:  jsonModel,
		embed: gc.EmbeddingModel(embeddingModel),
		close: gc.Close,
	}, nil
}

func (c *Client) Generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	model := c.text
	if jsonMode {
		model = c.json
	}
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", statusErr(err))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: no candidates in response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.embed.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", statusErr(err))
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, errors.New("gemini: no embedding in response")
	}
	return resp.Embedding.Values, nil
}

func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func statusErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &StatusError{Code: gerr.Code, Err: err}
	}
	return err
}
