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

const (
	embeddingModel = "text-embedding-004"

	// EmbeddingDim is the output dimension of text-embedding-004.
	EmbeddingDim = 768

	// Task types understood by the embedding endpoint.
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"

	embedBatchSize = 100
)

// Embedder turns texts into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// GeminiEmbedder calls the batch embedding endpoint in batches of 100.
type GeminiEmbedder struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewGeminiEmbedder(apiKey string, log *zap.Logger) *GeminiEmbedder {
	return &GeminiEmbedder{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
}

func (e *GeminiEmbedder) WithBaseURL(u string) *GeminiEmbedder {
	e.baseURL = u
	return e
}

type embedContentRequest struct {
	Model    string        `json:"model"`
	Content  geminiContent `json:"content"`
	TaskType string        `json:"taskType,omitempty"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embeddingValues struct {
	Values []float32 `json:"values"`
}

type batchEmbedResponse struct {
	Embeddings []embeddingValues `json:"embeddings"`
}

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if e.apiKey == "" {
		return nil, fault.New(fault.KindInvalidInput, "gemini api key not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end], taskType)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *GeminiEmbedder) embedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	reqs := make([]embedContentRequest, len(texts))
	for i, text := range texts {
		reqs[i] = embedContentRequest{
			Model:    "models/" + embeddingModel,
			Content:  geminiContent{Parts: []geminiPart{{Text: text}}},
			TaskType: taskType,
		}
	}

	payload, err := json.Marshal(batchEmbedRequest{Requests: reqs})
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err)
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", e.baseURL, embeddingModel)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, err)
		}
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(embeddingModel, resp.StatusCode, respBody)
	}

	var out batchEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, fmt.Errorf("parse embed response: %w", err))
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fault.New(fault.KindIntegrity,
			"embed count mismatch: sent %d, got %d", len(texts), len(out.Embeddings))
	}

	vectors := make([][]float32, len(out.Embeddings))
	for i, emb := range out.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}
