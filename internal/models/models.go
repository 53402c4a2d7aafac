package models

import "time"

// RiskLevel bands for a 0-10 risk score.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// LevelForScore maps a 0-10 score onto its band: 0-3 low, 4-6 medium, 7-10 high.
func LevelForScore(score int) string {
	switch {
	case score <= 3:
		return RiskLow
	case score <= 6:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ConcerningClause is one flagged clause inside a RiskReport.
type ConcerningClause struct {
	Section        string `json:"section"`
	Concern        string `json:"concern"`
	RiskLevel      string `json:"risk_level"`
	Recommendation string `json:"recommendation"`
}

// RiskReport is the validated output of the risk-analysis stage.
type RiskReport struct {
	RiskScore         int                `json:"risk_score"`
	RiskLevel         string             `json:"risk_level"`
	ConcerningClauses []ConcerningClause `json:"concerning_clauses"`
	KeyTerms          map[string]any     `json:"key_terms"`
}

// ErrorEntry records a stage failure (or skip) inside a pipeline run.
type ErrorEntry struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ContractAnalysisState is the mutable record threaded through the
// analysis pipeline. Each stage writes only its own output fields and
// may append to Errors.
type ContractAnalysisState struct {
	ContractID     string           `json:"contract_id"`
	Filename       string           `json:"filename"`
	Query          string           `json:"query,omitempty"`
	ParsedText     string           `json:"-"`
	Sections       []Section        `json:"sections,omitempty"`
	Risk           *RiskReport      `json:"risk,omitempty"`
	KeyTerms       map[string]any   `json:"key_terms,omitempty"`
	VectorChunkIDs []string         `json:"vector_chunk_ids"`
	GraphWritten   bool             `json:"graph_written"`
	Answer         string           `json:"answer,omitempty"`
	TotalCost      float64          `json:"total_cost"`
	Errors         []ErrorEntry     `json:"errors"`
	Metadata       DocumentMetadata `json:"metadata,omitempty"`
}

// Section is a named span of the parsed document, in document order.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// DocumentMetadata is what the PDF parser could extract about the contract.
type DocumentMetadata struct {
	Parties       []string `json:"parties,omitempty"`
	EffectiveDate string   `json:"effective_date,omitempty"`
	ContractType  string   `json:"contract_type,omitempty"`
}

// DocumentChunk is the unit of vector indexing.
type DocumentChunk struct {
	ChunkID     string            `json:"chunk_id"`
	ContractID  string            `json:"contract_id"`
	SectionName string            `json:"section_name"`
	ChunkIndex  int               `json:"chunk_index"`
	Text        string            `json:"text"`
	Embedding   []float32         `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CostEntry is one model call as recorded by the ledger.
type CostEntry struct {
	Model          string    `json:"model"`
	Operation      string    `json:"operation"`
	ContractID     string    `json:"contract_id,omitempty"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	ThinkingTokens int64     `json:"thinking_tokens"`
	Cost           float64   `json:"cost"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ModelCost is a per-model slice of a daily aggregate.
type ModelCost struct {
	Model          string  `json:"model"`
	Calls          int64   `json:"calls"`
	Cost           float64 `json:"cost"`
	Tokens         int64   `json:"tokens"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	ThinkingTokens int64   `json:"thinking_tokens"`
}

// OperationCost is a per-operation slice of a daily aggregate.
type OperationCost struct {
	Calls int64   `json:"calls"`
	Cost  float64 `json:"cost"`
}

// DailyCost is the aggregate for one UTC calendar day (or a summed range).
type DailyCost struct {
	Date           string                    `json:"date"`
	TotalCalls     int64                     `json:"total_calls"`
	TotalCost      float64                   `json:"total_cost"`
	TotalTokens    int64                     `json:"total_tokens"`
	InputTokens    int64                     `json:"input_tokens"`
	OutputTokens   int64                     `json:"output_tokens"`
	ThinkingTokens int64                     `json:"thinking_tokens"`
	ByModel        map[string]*ModelCost     `json:"by_model"`
	ByOperation    map[string]*OperationCost `json:"by_operation"`
}

// ContractNode is MERGEd on ContractID; CompanyNode on Name. Clause and
// RiskFactor nodes are recreated per write with deterministic ids derived
// from the contract id.
type ContractNode struct {
	ContractID           string    `json:"contract_id"`
	Filename             string    `json:"filename"`
	UploadDate           time.Time `json:"upload_date"`
	RiskScore            int       `json:"risk_score"`
	RiskLevel            string    `json:"risk_level"`
	PaymentAmount        string    `json:"payment_amount,omitempty"`
	PaymentFrequency     string    `json:"payment_frequency,omitempty"`
	HasTerminationClause bool      `json:"has_termination_clause"`
	LiabilityCap         string    `json:"liability_cap,omitempty"`
}

type CompanyNode struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type ClauseNode struct {
	SectionName string `json:"section_name"`
	Content     string `json:"content"`
	ClauseType  string `json:"clause_type"`
	Importance  string `json:"importance"`
}

type RiskFactorNode struct {
	Concern        string `json:"concern"`
	RiskLevel      string `json:"risk_level"`
	Section        string `json:"section"`
	Recommendation string `json:"recommendation"`
}

// ContractView is the full graph neighbourhood of one contract.
type ContractView struct {
	Contract    ContractNode     `json:"contract"`
	Companies   []CompanyNode    `json:"companies"`
	Clauses     []ClauseNode     `json:"clauses"`
	RiskFactors []RiskFactorNode `json:"risk_factors"`
}

// Retrieval source labels.
const (
	SourceVector = "vector"
	SourceGraph  = "graph"
)

// RetrievalResult is a single fused retrieval hit.
type RetrievalResult struct {
	ContractID     string            `json:"contract_id"`
	Content        string            `json:"content"`
	Source         string            `json:"source"`
	VectorScore    float64           `json:"vector_score,omitempty"`
	GraphRelevance float64           `json:"graph_relevance,omitempty"`
	RRFScore       float64           `json:"rrf_score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Source is one attribution entry in an answer.
type Source struct {
	Index      int     `json:"index"`
	Type       string  `json:"type"`
	ContractID string  `json:"contract_id"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

// ComparisonResult is the outcome of an aspect-by-aspect comparison of
// two contracts.
type ComparisonResult struct {
	ContractA   ComparedContract   `json:"contract_a"`
	ContractB   ComparedContract   `json:"contract_b"`
	Comparisons []AspectComparison `json:"comparisons"`
	TotalCost   float64            `json:"total_cost"`
}

type ComparedContract struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

type AspectComparison struct {
	Aspect   string  `json:"aspect"`
	Analysis string  `json:"analysis"`
	Cost     float64 `json:"cost"`
}

// AnswerResult is the structured outcome of a query-pipeline run.
type AnswerResult struct {
	Text        string   `json:"text"`
	Sources     []Source `json:"sources"`
	VectorCount int      `json:"vector_count"`
	GraphCount  int      `json:"graph_count"`
	Cost        float64  `json:"cost"`
	ErrorKind   string   `json:"error_kind,omitempty"`
}
