package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/llm"
	"contractlens/internal/models"
	"contractlens/internal/retriever"
)

// RefusalAnswer is returned verbatim when retrieval finds nothing.
const RefusalAnswer = "No relevant context was found."

// Generator is the slice of the model router the pipelines call.
type Generator interface {
	Generate(ctx context.Context, prompt string, complexity llm.Complexity, opts llm.GenerateOptions) (*llm.GenerationResult, error)
}

// CostRecorder receives one entry per completed generation.
type CostRecorder interface {
	Record(ctx context.Context, e models.CostEntry) error
}

// ContextRetriever is the hybrid retrieval surface.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, opts retriever.Options) (*retriever.Response, error)
}

// QueryOptions tune one Answer call.
type QueryOptions struct {
	// ContractID scopes retrieval to one contract when set.
	ContractID string
	// NResults is the retrieval depth. Defaults to 5.
	NResults int
}

// QueryPipeline answers ad-hoc questions: hybrid retrieval, context
// assembly, then a grounded generation on the cheapest tier.
type QueryPipeline struct {
	retriever ContextRetriever
	router    Generator
	ledger    CostRecorder
	log       *zap.Logger
}

func NewQueryPipeline(ret ContextRetriever, router Generator, ledger CostRecorder, log *zap.Logger) *QueryPipeline {
	return &QueryPipeline{retriever: ret, router: router, ledger: ledger, log: log}
}

// Answer retrieves context for the query and generates a cited answer.
// Retrieval failure surfaces as an error; generation failure is folded
// into the result with an empty text and the error kind set.
func (q *QueryPipeline) Answer(ctx context.Context, query string, opts QueryOptions) (*models.AnswerResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.KindInvalidInput, "query required")
	}
	if opts.NResults <= 0 {
		opts.NResults = 5
	}

	resp, err := q.retriever.Retrieve(ctx, query, retriever.Options{
		ContractID: opts.ContractID,
		NVector:    opts.NResults,
		NGraph:     opts.NResults,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Results) == 0 {
		q.log.Info("query answered with refusal", zap.String("contract_id", opts.ContractID))
		return &models.AnswerResult{
			Text:        RefusalAnswer,
			Sources:     []models.Source{},
			VectorCount: resp.VectorCount,
			GraphCount:  resp.GraphCount,
		}, nil
	}

	top := resp.Results
	if len(top) > opts.NResults {
		top = top[:opts.NResults]
	}
	sources := buildSources(top)

	gen, err := q.router.Generate(ctx, buildAnswerPrompt(query, top), llm.Simple, llm.GenerateOptions{
		SystemInstruction: "Answer based only on the provided context; do not use external knowledge. Cite source numbers [Source N] when referencing specific information.",
		MaxOutputTokens:   1024,
	})
	if err != nil {
		kind := fault.KindOf(err)
		q.log.Warn("answer generation failed",
			zap.String("contract_id", opts.ContractID),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return &models.AnswerResult{
			Sources:     sources,
			VectorCount: resp.VectorCount,
			GraphCount:  resp.GraphCount,
			ErrorKind:   kind.String(),
		}, nil
	}

	if err := q.ledger.Record(ctx, models.CostEntry{
		Model:          gen.Model,
		Operation:      "query",
		ContractID:     opts.ContractID,
		InputTokens:    gen.InputTokens,
		OutputTokens:   gen.OutputTokens,
		ThinkingTokens: gen.ThinkingTokens,
		Cost:           gen.Cost,
		OccurredAt:     time.Now().UTC(),
	}); err != nil {
		q.log.Warn("cost entry dropped", zap.Error(err))
	}

	return &models.AnswerResult{
		Text:        gen.Text,
		Sources:     sources,
		VectorCount: resp.VectorCount,
		GraphCount:  resp.GraphCount,
		Cost:        gen.Cost,
	}, nil
}

func buildAnswerPrompt(query string, results []models.RetrievalResult) string {
	var parts []string
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("[Source %d - %s]\n%s\n", i+1, r.Source, r.Content))
	}

	return fmt.Sprintf(`You are a legal contract analyst. Answer the question based ONLY on the provided context.

CONTEXT:
%s

QUESTION: %s

INSTRUCTIONS:
- Answer based only on the provided context
- If the context doesn't contain the answer, say "I cannot find this information in the provided context"
- Cite source numbers [Source N] when referencing specific information
- Be concise but thorough

ANSWER:`, strings.Join(parts, "\n"), query)
}

func buildSources(results []models.RetrievalResult) []models.Source {
	sources := make([]models.Source, 0, len(results))
	for i, r := range results {
		preview := r.Content
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		sources = append(sources, models.Source{
			Index:      i + 1,
			Type:       r.Source,
			ContractID: r.ContractID,
			Score:      r.RRFScore,
			Preview:    preview,
		})
	}
	return sources
}
