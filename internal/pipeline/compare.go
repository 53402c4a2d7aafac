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
	"contractlens/internal/vectorstore"
)

const (
	// comparisonChunkLimit caps each quoted section in the prompt.
	comparisonChunkLimit = 500
	// comparisonNResults is the semantic-search depth per aspect and contract.
	comparisonNResults = 3
	// maxComparisonAspects bounds one request.
	maxComparisonAspects = 10

	emptyAspectContext = "[No relevant sections found for this aspect]"
)

// defaultAspects are compared when the caller names none.
var defaultAspects = []string{"payment_terms", "liability", "termination", "indemnification"}

// ChunkSearcher finds the chunks most relevant to an aspect within one
// contract.
type ChunkSearcher interface {
	SemanticSearch(ctx context.Context, query string, n int, contractID string) ([]vectorstore.SearchResult, error)
}

// ContractReader resolves a contract's graph view.
type ContractReader interface {
	GetContract(ctx context.Context, contractID string) (*models.ContractView, error)
}

// CompareRequest names the two contracts and the aspects to compare.
type CompareRequest struct {
	ContractIDA string
	ContractIDB string
	Aspects     []string
}

// ComparisonPipeline compares two indexed contracts aspect by aspect:
// semantic search pulls the relevant sections from each side, then one
// generation per aspect analyses the differences.
type ComparisonPipeline struct {
	vectors ChunkSearcher
	graph   ContractReader
	router  Generator
	ledger  CostRecorder
	log     *zap.Logger
}

func NewComparisonPipeline(vectors ChunkSearcher, graph ContractReader,
	router Generator, ledger CostRecorder, log *zap.Logger) *ComparisonPipeline {
	return &ComparisonPipeline{vectors: vectors, graph: graph, router: router, ledger: ledger, log: log}
}

func (c *ComparisonPipeline) Compare(ctx context.Context, req CompareRequest) (*models.ComparisonResult, error) {
	idA := strings.TrimSpace(req.ContractIDA)
	idB := strings.TrimSpace(req.ContractIDB)
	if idA == "" || idB == "" {
		return nil, fault.New(fault.KindInvalidInput, "two contract ids required")
	}

	aspects := req.Aspects
	if len(aspects) == 0 {
		aspects = defaultAspects
	}
	if len(aspects) > maxComparisonAspects {
		return nil, fault.New(fault.KindInvalidInput, "at most %d aspects per comparison", maxComparisonAspects)
	}

	viewA, err := c.graph.GetContract(ctx, idA)
	if err != nil {
		return nil, err
	}
	if viewA == nil {
		return nil, fault.New(fault.KindNotFound, "contract %s not found", idA)
	}
	viewB, err := c.graph.GetContract(ctx, idB)
	if err != nil {
		return nil, err
	}
	if viewB == nil {
		return nil, fault.New(fault.KindNotFound, "contract %s not found", idB)
	}

	res := &models.ComparisonResult{
		ContractA: models.ComparedContract{ID: idA, Filename: viewA.Contract.Filename},
		ContractB: models.ComparedContract{ID: idB, Filename: viewB.Contract.Filename},
	}

	for _, aspect := range aspects {
		chunksA, err := c.vectors.SemanticSearch(ctx, aspect, comparisonNResults, idA)
		if err != nil {
			return nil, err
		}
		chunksB, err := c.vectors.SemanticSearch(ctx, aspect, comparisonNResults, idB)
		if err != nil {
			return nil, err
		}

		prompt := buildComparisonPrompt(aspect, viewA.Contract.Filename, viewB.Contract.Filename, chunksA, chunksB)
		gen, err := c.router.Generate(ctx, prompt, llm.Complex, llm.GenerateOptions{})
		if err != nil {
			return nil, err
		}

		res.Comparisons = append(res.Comparisons, models.AspectComparison{
			Aspect:   aspect,
			Analysis: gen.Text,
			Cost:     gen.Cost,
		})
		res.TotalCost += gen.Cost

		if err := c.ledger.Record(ctx, models.CostEntry{
			Model:          gen.Model,
			Operation:      "compare",
			InputTokens:    gen.InputTokens,
			OutputTokens:   gen.OutputTokens,
			ThinkingTokens: gen.ThinkingTokens,
			Cost:           gen.Cost,
			OccurredAt:     time.Now().UTC(),
		}); err != nil {
			c.log.Warn("comparison cost record failed", zap.Error(err))
		}
	}

	c.log.Info("comparison complete",
		zap.String("contract_a", idA),
		zap.String("contract_b", idB),
		zap.Int("aspects", len(aspects)),
		zap.Float64("total_cost", res.TotalCost))
	return res, nil
}

const comparisonPromptTemplate = `Compare these two contracts on the aspect: %s

CONTRACT A (%s):
%s

CONTRACT B (%s):
%s

Please provide a structured comparison that includes:

1. **Summary of %s in Contract A:**
   - Key provisions and terms
   - Notable clauses or conditions

2. **Summary of %s in Contract B:**
   - Key provisions and terms
   - Notable clauses or conditions

3. **Key Differences:**
   - Material differences between the contracts
   - Variations in approach or structure

4. **Risk Implications:**
   - Which contract is more favorable to which party?
   - Potential risks or concerns arising from the differences

5. **Recommendation:**
   - Which contract has better terms for this aspect?
   - Suggested improvements or negotiations points

If relevant sections are not found for either contract, note this explicitly and provide guidance on what to look for in the full documents.
`

func buildComparisonPrompt(aspect, filenameA, filenameB string, chunksA, chunksB []vectorstore.SearchResult) string {
	return fmt.Sprintf(comparisonPromptTemplate,
		aspect,
		filenameA, aspectContext(chunksA),
		filenameB, aspectContext(chunksB),
		aspect, aspect)
}

func aspectContext(chunks []vectorstore.SearchResult) string {
	if len(chunks) == 0 {
		return emptyAspectContext
	}
	parts := make([]string, len(chunks))
	for i, ch := range chunks {
		parts[i] = fmt.Sprintf("Section %d:\n%s", i+1, clip(ch.Text, comparisonChunkLimit))
	}
	return strings.Join(parts, "\n\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
