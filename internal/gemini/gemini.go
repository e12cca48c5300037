// Package gemini implements contracts.Generator on top of the Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/contracts"
	"github.com/conversate/conversate/ai-server/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash"
)

var tracer = otel.Tracer("conversate-ai/gemini")

// APIError is a non-200 answer from the Gemini API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini %d: %s", e.StatusCode, e.Message)
}

// Driver calls generateContent for one model.
type Driver struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Option configures the driver.
type Option func(*Driver)

// WithModel selects the model.
func WithModel(model string) Option {
	return func(d *Driver) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL sets a custom API endpoint (e.g. for proxies).
func WithBaseURL(u string) Option {
	return func(d *Driver) {
		if u != "" {
			d.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Driver) { d.client = hc }
}

// New creates a driver for apiKey.
func New(apiKey string, opts ...Option) (*Driver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	d := &Driver{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Factory returns a GeneratorFactory that builds drivers with opts.
func Factory(opts ...Option) contracts.GeneratorFactory {
	return func(apiKey string) (contracts.Generator, error) {
		return New(apiKey, opts...)
	}
}

func (d *Driver) Model() string { return d.model }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends the conversation and returns the normalized candidates.
func (d *Driver) Generate(ctx context.Context, turns []models.ConversationTurn, params models.GenerationParams) (*models.GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "gemini.generateContent")
	defer span.End()
	span.SetAttributes(
		attribute.String("gen_ai.system", "gemini"),
		attribute.String("gen_ai.request.model", d.model),
		attribute.Int("gen_ai.request.max_tokens", params.MaxOutputTokens),
		attribute.Float64("gen_ai.request.temperature", params.Temperature),
	)

	res, err := d.generate(ctx, turns, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("gen_ai.response.candidates", len(res.Candidates)))
	if len(res.Candidates) > 0 {
		span.SetAttributes(attribute.String("gen_ai.response.finish_reason", string(res.Candidates[0].FinishReason)))
	}
	return res, nil
}

func (d *Driver) generate(ctx context.Context, turns []models.ConversationTurn, params models.GenerationParams) (*models.GenerateResult, error) {
	reqBody := generateRequest{
		Contents: make([]content, 0, len(turns)),
		GenerationConfig: generationConfig{
			MaxOutputTokens: params.MaxOutputTokens,
			Temperature:     params.Temperature,
		},
	}
	for _, t := range turns {
		reqBody.Contents = append(reqBody.Contents, content{Role: string(t.Role), Parts: []part{{Text: t.Text}}})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", d.baseURL, url.PathEscape(d.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error.Message != "" {
			apiErr.Message = e.Error.Message
			apiErr.Status = e.Error.Status
		}
		return nil, apiErr
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("gemini: unmarshal response: %w", err)
	}

	res := &models.GenerateResult{Candidates: make([]models.Candidate, 0, len(out.Candidates))}
	if out.PromptFeedback != nil {
		res.BlockReason = out.PromptFeedback.BlockReason
	}
	for _, c := range out.Candidates {
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		res.Candidates = append(res.Candidates, models.Candidate{
			Text:         sb.String(),
			FinishReason: normalizeFinishReason(c.FinishReason),
		})
	}
	return res, nil
}

// normalizeFinishReason maps Gemini's finish reasons onto the
// provider-neutral set.
func normalizeFinishReason(reason string) models.FinishReason {
	switch reason {
	case "STOP", "":
		return models.FinishStop
	case "MAX_TOKENS", "LENGTH":
		return models.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return models.FinishSafety
	default:
		return models.FinishOther
	}
}
