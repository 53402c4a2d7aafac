package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contractlens/internal/fault"
	"contractlens/internal/models"
	"contractlens/internal/vectorstore"
)

const (
	// rrfK is the smoothing constant of reciprocal rank fusion.
	rrfK = 60

	// graphFanOutLimit caps concurrent per-contract graph expansions.
	graphFanOutLimit = 4
)

// Graph relevance assigned per context item type.
const (
	relevanceMetadata = 0.8
	relevanceCompany  = 0.7
	relevanceClause   = 0.6
	relevanceRisk     = 0.9
	relevanceDefault  = 0.5
)

// VectorSearcher is the slice of the vector index the retriever needs.
type VectorSearcher interface {
	SemanticSearch(ctx context.Context, query string, n int, contractID string) ([]vectorstore.SearchResult, error)
}

// ContextSource expands graph context around one contract.
type ContextSource interface {
	ContextForContract(ctx context.Context, contractID string, opts ContextOptions) (*GraphContext, error)
}

// Options tune one hybrid retrieval.
type Options struct {
	// ContractID restricts both channels to one contract when set.
	ContractID string
	// NVector is the vector result count. Defaults to 5.
	NVector int
	// NGraph caps graph items taken per category. Defaults to 3.
	NGraph int
	// IncludeCompanies and IncludeRisks gate those graph categories.
	// Nil means true.
	IncludeCompanies *bool
	IncludeRisks     *bool
}

// Response is a fused retrieval.
type Response struct {
	Results         []models.RetrievalResult `json:"results"`
	VectorCount     int                      `json:"vector_count"`
	GraphCount      int                      `json:"graph_count"`
	EstimatedTokens int                      `json:"estimated_tokens"`
}

// HybridRetriever merges semantic vector search with graph context
// expansion using reciprocal rank fusion. Vector search failure is
// fatal; a failed graph expansion only drops that contract's items.
type HybridRetriever struct {
	vec   VectorSearcher
	graph ContextSource
	log   *zap.Logger
}

func NewHybridRetriever(vec VectorSearcher, graph ContextSource, log *zap.Logger) *HybridRetriever {
	return &HybridRetriever{vec: vec, graph: graph, log: log}
}

// Retrieve runs the vector channel, fans out to the graph neighbourhood
// of every contract the vector hits touch, and fuses both lists.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, opts Options) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.KindInvalidInput, "query required")
	}
	if opts.NVector <= 0 {
		opts.NVector = 5
	}
	if opts.NGraph <= 0 {
		opts.NGraph = 3
	}

	hits, err := h.vec.SemanticSearch(ctx, query, opts.NVector, opts.ContractID)
	if err != nil {
		return nil, err
	}

	vectorResults := make([]models.RetrievalResult, 0, len(hits))
	for _, hit := range hits {
		meta := map[string]string{"chunk_id": hit.ChunkID}
		if hit.SectionName != "" {
			meta["section_name"] = hit.SectionName
		}
		for k, v := range hit.Metadata {
			meta[k] = v
		}
		vectorResults = append(vectorResults, models.RetrievalResult{
			ContractID:  hit.ContractID,
			Content:     hit.Text,
			Source:      models.SourceVector,
			VectorScore: hit.RelevanceScore,
			Metadata:    meta,
		})
	}

	contractIDs := uniqueContractIDs(hits)
	graphResults := h.expandGraph(ctx, contractIDs, opts)

	results := fuse(vectorResults, graphResults)

	chars := 0
	for _, r := range results {
		chars += len(r.Content)
	}
	resp := &Response{
		Results:         results,
		VectorCount:     len(vectorResults),
		GraphCount:      len(graphResults),
		EstimatedTokens: (chars + 3) / 4,
	}
	h.log.Debug("hybrid retrieval",
		zap.Int("vector", resp.VectorCount),
		zap.Int("graph", resp.GraphCount),
		zap.Int("fused", len(results)))
	return resp, nil
}

// expandGraph fetches graph context for every contract concurrently.
// Failures are logged and the contract skipped; item order follows the
// contract id order so fusion stays deterministic.
func (h *HybridRetriever) expandGraph(ctx context.Context, contractIDs []string, opts Options) []models.RetrievalResult {
	perContract := make([][]models.RetrievalResult, len(contractIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(graphFanOutLimit)
	for i, id := range contractIDs {
		i, id := i, id
		g.Go(func() error {
			gc, err := h.graph.ContextForContract(gctx, id, ContextOptions{
				IncludeCompanies: boolOr(opts.IncludeCompanies, true),
				IncludeClauses:   true,
				IncludeRisks:     boolOr(opts.IncludeRisks, true),
				MaxClauses:       opts.NGraph,
			})
			if err != nil {
				h.log.Warn("graph expansion failed, skipping contract",
					zap.String("contract_id", id), zap.Error(err))
				return nil
			}
			if gc == nil {
				return nil
			}
			items := contextItems(gc, opts.NGraph)
			mu.Lock()
			perContract[i] = items
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	var out []models.RetrievalResult
	for _, items := range perContract {
		out = append(out, items...)
	}
	return out
}

// contextItems flattens a graph context into scored retrieval results:
// one metadata item, then parties, clauses and risks, capped per
// category.
func contextItems(gc *GraphContext, max int) []models.RetrievalResult {
	var items []models.RetrievalResult

	if len(gc.ContractMetadata) > 0 {
		md := gc.ContractMetadata
		items = append(items, models.RetrievalResult{
			ContractID: gc.ContractID,
			Content: fmt.Sprintf("Contract Metadata: Risk Level: %v, Risk Score: %v, Payment Amount: %v, Payment Frequency: %v",
				md["risk_level"], md["risk_score"], md["payment_amount"], md["payment_frequency"]),
			Source:         models.SourceGraph,
			GraphRelevance: relevanceMetadata,
			Metadata:       map[string]string{"type": "metadata"},
		})
	}
	for _, co := range capCompanies(gc.Companies, max) {
		items = append(items, models.RetrievalResult{
			ContractID:     gc.ContractID,
			Content:        fmt.Sprintf("Party: %s (Role: %s)", co.Name, co.Role),
			Source:         models.SourceGraph,
			GraphRelevance: relevanceCompany,
			Metadata:       map[string]string{"type": "company"},
		})
	}
	for _, cl := range capClauses(gc.Clauses, max) {
		items = append(items, models.RetrievalResult{
			ContractID:     gc.ContractID,
			Content:        fmt.Sprintf("Clause - %s: %s", cl.SectionName, cl.Content),
			Source:         models.SourceGraph,
			GraphRelevance: relevanceClause,
			Metadata:       map[string]string{"type": "clause"},
		})
	}
	for _, r := range capRisks(gc.Risks, max) {
		items = append(items, models.RetrievalResult{
			ContractID:     gc.ContractID,
			Content:        fmt.Sprintf("Risk (%s): %s - Recommendation: %s", r.RiskLevel, r.Concern, r.Recommendation),
			Source:         models.SourceGraph,
			GraphRelevance: relevanceRisk,
			Metadata:       map[string]string{"type": "risk"},
		})
	}
	return items
}

func capCompanies(in []models.CompanyNode, n int) []models.CompanyNode {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func capClauses(in []models.ClauseNode, n int) []models.ClauseNode {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func capRisks(in []models.RiskFactorNode, n int) []models.RiskFactorNode {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// fuse merges both channels with reciprocal rank fusion. Each channel
// is ranked on its own score; a result appearing in both channels (same
// normalized content) keeps the vector record and sums both reciprocal
// terms.
func fuse(vector, graph []models.RetrievalResult) []models.RetrievalResult {
	vRanked := make([]models.RetrievalResult, len(vector))
	copy(vRanked, vector)
	sort.SliceStable(vRanked, func(i, j int) bool {
		if vRanked[i].VectorScore != vRanked[j].VectorScore {
			return vRanked[i].VectorScore > vRanked[j].VectorScore
		}
		if vRanked[i].ContractID != vRanked[j].ContractID {
			return vRanked[i].ContractID < vRanked[j].ContractID
		}
		return vRanked[i].Content < vRanked[j].Content
	})

	gRanked := make([]models.RetrievalResult, len(graph))
	copy(gRanked, graph)
	sort.SliceStable(gRanked, func(i, j int) bool {
		if gRanked[i].GraphRelevance != gRanked[j].GraphRelevance {
			return gRanked[i].GraphRelevance > gRanked[j].GraphRelevance
		}
		if gRanked[i].ContractID != gRanked[j].ContractID {
			return gRanked[i].ContractID < gRanked[j].ContractID
		}
		return gRanked[i].Content < gRanked[j].Content
	})

	merged := make(map[string]*models.RetrievalResult)
	var order []string

	for rank, r := range vRanked {
		key := normalizeContent(r.Content)
		if existing, ok := merged[key]; ok {
			existing.RRFScore += 1.0 / float64(rrfK+rank+1)
			continue
		}
		rec := r
		rec.RRFScore = 1.0 / float64(rrfK+rank+1)
		merged[key] = &rec
		order = append(order, key)
	}
	for rank, r := range gRanked {
		key := normalizeContent(r.Content)
		if existing, ok := merged[key]; ok {
			existing.RRFScore += 1.0 / float64(rrfK+rank+1)
			if existing.GraphRelevance < r.GraphRelevance {
				existing.GraphRelevance = r.GraphRelevance
			}
			continue
		}
		rec := r
		rec.RRFScore = 1.0 / float64(rrfK+rank+1)
		merged[key] = &rec
		order = append(order, key)
	}

	out := make([]models.RetrievalResult, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		// Vector results win ties over graph results.
		if out[i].Source != out[j].Source {
			return out[i].Source == models.SourceVector
		}
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].Content < out[j].Content
	})
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// normalizeContent folds case and whitespace so near-identical chunks
// from both channels dedupe.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// uniqueContractIDs keeps first-seen order of the vector hits.
func uniqueContractIDs(hits []vectorstore.SearchResult) []string {
	seen := make(map[string]struct{}, len(hits))
	var ids []string
	for _, h := range hits {
		if h.ContractID == "" {
			continue
		}
		if _, ok := seen[h.ContractID]; ok {
			continue
		}
		seen[h.ContractID] = struct{}{}
		ids = append(ids, h.ContractID)
	}
	return ids
}
