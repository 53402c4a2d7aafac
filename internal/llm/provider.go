package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GenerateRequest is a single provider call, already resolved to a
// concrete model by the router.
type GenerateRequest struct {
	Model             string
	Prompt            string
	SystemInstruction string
	ThinkingBudget    int
	MaxOutputTokens   int
}

// ProviderResult carries the raw provider output and token usage.
type ProviderResult struct {
	Text           string
	InputTokens    int64
	OutputTokens   int64
	ThinkingTokens int64
}

// Provider executes one generation call against a model backend.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*ProviderResult, error)
}

// GeminiProvider talks to the Gemini REST API directly.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewGeminiProvider(apiKey string, log *zap.Logger) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 150 * time.Second},
		log:     log,
	}
}

// WithBaseURL overrides the API endpoint. Used by tests.
func (p *GeminiProvider) WithBaseURL(u string) *GeminiProvider {
	p.baseURL = u
	return p
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type geminiGenerationConfig struct {
	Temperature     float64               `json:"temperature"`
	TopP            float64               `json:"topP"`
	TopK            int                   `json:"topK"`
	MaxOutputTokens int                   `json:"maxOutputTokens"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int64 `json:"thoughtsTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (*ProviderResult, error) {
	if p.apiKey == "" {
		return nil, fault.New(fault.KindInvalidInput, "gemini api key not configured")
	}

	maxOut := req.MaxOutputTokens
	if maxOut == 0 {
		maxOut = 8192
	}

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			// Low temperature for legal analysis.
			Temperature:     0.2,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: maxOut,
		},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	if req.ThinkingBudget > 0 {
		body.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: req.ThinkingBudget}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(req.Model, resp.StatusCode, respBody)
	}

	var out geminiResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, fmt.Errorf("parse gemini response: %w", err))
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fault.New(fault.KindIntegrity, "empty response from model %s", req.Model)
	}

	text := ""
	for _, part := range out.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &ProviderResult{
		Text:           text,
		InputTokens:    out.UsageMetadata.PromptTokenCount,
		OutputTokens:   out.UsageMetadata.CandidatesTokenCount,
		ThinkingTokens: out.UsageMetadata.ThoughtsTokenCount,
	}, nil
}

func classifyStatus(model string, status int, body []byte) error {
	detail := string(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	err := fmt.Errorf("model %s returned %d: %s", model, status, detail)
	switch {
	case status == http.StatusBadRequest:
		return fault.Wrap(fault.KindInvalidInput, err)
	case status == http.StatusNotFound:
		return fault.Wrap(fault.KindNotFound, err)
	case status == http.StatusTooManyRequests:
		return fault.Wrap(fault.KindTransient, err)
	case status == http.StatusGatewayTimeout:
		return fault.Wrap(fault.KindTimeout, err)
	case status >= 500:
		return fault.Wrap(fault.KindTransient, err)
	default:
		return fault.Wrap(fault.KindFatal, err)
	}
}
