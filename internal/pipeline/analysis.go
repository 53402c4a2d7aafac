package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/llm"
	"contractlens/internal/models"
	"contractlens/internal/parser"
)

const (
	// riskPromptLimit caps the contract text fed to risk analysis.
	riskPromptLimit = 50000

	// defaultRunDeadline bounds one full pipeline run.
	defaultRunDeadline = 300 * time.Second
)

// DocumentParser turns raw file bytes into structured text.
type DocumentParser interface {
	Parse(ctx context.Context, fileBytes []byte, filename string) (*parser.ParsedDocument, error)
}

// VectorWriter persists embedded chunks.
type VectorWriter interface {
	Upsert(ctx context.Context, chunks []models.DocumentChunk) error
}

// GraphWriter persists the contract knowledge graph.
type GraphWriter interface {
	StoreContract(ctx context.Context, contract models.ContractNode,
		companies []models.CompanyNode, clauses []models.ClauseNode, risks []models.RiskFactorNode) error
}

// QueryAnswerer answers the optional inline question.
type QueryAnswerer interface {
	Answer(ctx context.Context, query string, opts QueryOptions) (*models.AnswerResult, error)
}

// AnalysisRequest is the input of one pipeline run.
type AnalysisRequest struct {
	ContractID string
	Filename   string
	FileBytes  []byte
	// Query, when non-empty, triggers the answer stage after persistence.
	Query string
}

// AnalysisPipeline runs the fixed stage sequence parse, analyze_risk,
// persist_vectors, persist_graph, answer. Every stage failure becomes an
// ErrorEntry on the state; Run never returns an error itself, so partial
// analyses survive.
type AnalysisPipeline struct {
	parser   DocumentParser
	router   Generator
	vectors  VectorWriter
	graph    GraphWriter
	answerer QueryAnswerer
	ledger   CostRecorder
	deadline time.Duration
	log      *zap.Logger
}

func NewAnalysisPipeline(p DocumentParser, router Generator, vectors VectorWriter,
	graph GraphWriter, answerer QueryAnswerer, ledger CostRecorder, log *zap.Logger) *AnalysisPipeline {
	return &AnalysisPipeline{
		parser:   p,
		router:   router,
		vectors:  vectors,
		graph:    graph,
		answerer: answerer,
		ledger:   ledger,
		deadline: defaultRunDeadline,
		log:      log,
	}
}

type stage struct {
	name string
	run  func(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (skip string, err error)
}

// Run executes the full analysis. The returned state always carries
// whatever the completed stages produced plus one ErrorEntry per stage
// that failed or was skipped.
func (p *AnalysisPipeline) Run(ctx context.Context, req AnalysisRequest) *models.ContractAnalysisState {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	st := &models.ContractAnalysisState{
		ContractID: req.ContractID,
		Filename:   req.Filename,
		Query:      req.Query,
		Errors:     []models.ErrorEntry{},
	}

	stages := []stage{
		{"parse", p.parseStage},
		{"analyze_risk", p.analyzeRiskStage},
		{"persist_vectors", p.persistVectorsStage},
		{"persist_graph", p.persistGraphStage},
	}
	if req.Query != "" {
		stages = append(stages, stage{"answer", p.answerStage})
	}

	start := time.Now()
	for _, s := range stages {
		skip, err := s.run(ctx, st, req)
		switch {
		case err != nil:
			p.log.Error("stage failed",
				zap.String("contract_id", req.ContractID),
				zap.String("stage", s.name),
				zap.Error(err))
			st.Errors = append(st.Errors, models.ErrorEntry{Stage: s.name, Message: err.Error()})
		case skip != "":
			p.log.Warn("stage skipped",
				zap.String("contract_id", req.ContractID),
				zap.String("stage", s.name),
				zap.String("reason", skip))
			st.Errors = append(st.Errors, models.ErrorEntry{Stage: s.name, Message: "skipped: " + skip})
		}
	}

	p.log.Info("analysis finished",
		zap.String("contract_id", req.ContractID),
		zap.Int("errors", len(st.Errors)),
		zap.Float64("cost", st.TotalCost),
		zap.Duration("took", time.Since(start)))
	return st
}

func (p *AnalysisPipeline) parseStage(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (string, error) {
	doc, err := p.parser.Parse(ctx, req.FileBytes, req.Filename)
	if err != nil {
		return "", err
	}

	st.ParsedText = doc.Text
	for _, s := range doc.Sections {
		st.Sections = append(st.Sections, models.Section{
			Name:    strings.TrimSpace(s.Number + " " + s.Title),
			Content: s.Content,
		})
	}
	st.Metadata = models.DocumentMetadata{
		Parties:      doc.Metadata.Parties,
		ContractType: doc.Metadata.ContractType,
	}
	if len(doc.Metadata.Dates) > 0 {
		st.Metadata.EffectiveDate = doc.Metadata.Dates[0]
	}
	return "", nil
}

func (p *AnalysisPipeline) analyzeRiskStage(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (string, error) {
	if st.ParsedText == "" {
		return "no parsed text", nil
	}

	text := st.ParsedText
	if len(text) > riskPromptLimit {
		text = text[:riskPromptLimit]
	}

	gen, err := p.router.Generate(ctx, buildRiskPrompt(text), llm.Balanced, llm.GenerateOptions{})
	if err != nil {
		return "", err
	}
	st.TotalCost += gen.Cost
	p.recordCost(ctx, gen, "analyze", req.ContractID)

	report, err := parseRiskReport(gen.Text)
	if err != nil {
		return "", err
	}
	st.Risk = report
	st.KeyTerms = report.KeyTerms
	return "", nil
}

func (p *AnalysisPipeline) persistVectorsStage(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (string, error) {
	if st.ParsedText == "" {
		return "no parsed text", nil
	}

	chunks := buildChunks(st)
	if err := p.vectors.Upsert(ctx, chunks); err != nil {
		return "", err
	}
	for _, c := range chunks {
		st.VectorChunkIDs = append(st.VectorChunkIDs, c.ChunkID)
	}
	return "", nil
}

func (p *AnalysisPipeline) persistGraphStage(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (string, error) {
	contract := models.ContractNode{
		ContractID: st.ContractID,
		Filename:   st.Filename,
		UploadDate: time.Now().UTC(),
	}
	if st.Risk != nil {
		contract.RiskScore = st.Risk.RiskScore
		contract.RiskLevel = st.Risk.RiskLevel
	}
	contract.PaymentAmount = ktString(st.KeyTerms, "payment_amount")
	contract.PaymentFrequency = ktString(st.KeyTerms, "payment_frequency")
	contract.HasTerminationClause = ktBool(st.KeyTerms, "termination_clause")
	contract.LiabilityCap = ktString(st.KeyTerms, "liability_cap")

	var clauses []models.ClauseNode
	var risks []models.RiskFactorNode
	if st.Risk != nil {
		for _, cc := range st.Risk.ConcerningClauses {
			importance := "medium"
			if cc.RiskLevel == models.RiskHigh {
				importance = "high"
			}
			clauses = append(clauses, models.ClauseNode{
				SectionName: sectionOrUnknown(cc.Section),
				Content:     cc.Concern,
				ClauseType:  "concern",
				Importance:  importance,
			})
			risks = append(risks, models.RiskFactorNode{
				Concern:        cc.Concern,
				RiskLevel:      riskLevelOrDefault(cc.RiskLevel),
				Section:        cc.Section,
				Recommendation: cc.Recommendation,
			})
		}
	}

	if err := p.graph.StoreContract(ctx, contract, partyNodes(st.Metadata.Parties), clauses, risks); err != nil {
		return "", err
	}
	st.GraphWritten = true
	return "", nil
}

func (p *AnalysisPipeline) answerStage(ctx context.Context, st *models.ContractAnalysisState, req AnalysisRequest) (string, error) {
	res, err := p.answerer.Answer(ctx, req.Query, QueryOptions{ContractID: st.ContractID})
	if err != nil {
		return "", err
	}
	st.Answer = res.Text
	st.TotalCost += res.Cost
	if res.ErrorKind != "" {
		return "", fault.New(fault.KindUnknown, "answer generation failed: %s", res.ErrorKind)
	}
	return "", nil
}

func (p *AnalysisPipeline) recordCost(ctx context.Context, gen *llm.GenerationResult, operation, contractID string) {
	err := p.ledger.Record(ctx, models.CostEntry{
		Model:          gen.Model,
		Operation:      operation,
		ContractID:     contractID,
		InputTokens:    gen.InputTokens,
		OutputTokens:   gen.OutputTokens,
		ThinkingTokens: gen.ThinkingTokens,
		Cost:           gen.Cost,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		p.log.Warn("cost entry dropped", zap.String("operation", operation), zap.Error(err))
	}
}

func buildRiskPrompt(text string) string {
	return fmt.Sprintf(`Analyze this legal contract for risk factors.

CONTRACT TEXT:
%s

Provide analysis in JSON format:
{
    "risk_score": <0-10>,
    "risk_level": "low|medium|high",
    "concerning_clauses": [
        {
            "section": "section name",
            "concern": "description",
            "risk_level": "low|medium|high",
            "recommendation": "suggestion"
        }
    ],
    "key_terms": {
        "payment_amount": "amount",
        "payment_frequency": "frequency",
        "termination_clause": true/false,
        "liability_cap": "amount or unlimited"
    }
}`, text)
}

// parseRiskReport decodes the model's JSON, tolerating markdown code
// fences and fractional scores. A reply that does not decode is an
// integrity failure.
func parseRiskReport(raw string) (*models.RiskReport, error) {
	var decoded struct {
		RiskScore         float64                   `json:"risk_score"`
		RiskLevel         string                    `json:"risk_level"`
		ConcerningClauses []models.ConcerningClause `json:"concerning_clauses"`
		KeyTerms          map[string]any            `json:"key_terms"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &decoded); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, fmt.Errorf("risk analysis is not valid JSON: %w", err))
	}

	score := int(decoded.RiskScore)
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	// The score bands are authoritative; a level the model reports that
	// disagrees with its own score is replaced.
	return &models.RiskReport{
		RiskScore:         score,
		RiskLevel:         models.LevelForScore(score),
		ConcerningClauses: decoded.ConcerningClauses,
		KeyTerms:          decoded.KeyTerms,
	}, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// buildChunks splits each section into overlapping windows; chunk ids
// run sequentially across the whole document.
func buildChunks(st *models.ContractAnalysisState) []models.DocumentChunk {
	sections := st.Sections
	if len(sections) == 0 {
		sections = []models.Section{{Name: "", Content: st.ParsedText}}
	}

	var chunks []models.DocumentChunk
	seq := 0
	for _, section := range sections {
		pieces := ChunkText(section.Content, defaultChunkSize, defaultOverlap)
		for i, piece := range pieces {
			meta := map[string]string{"filename": st.Filename}
			if st.Risk != nil {
				meta["risk_level"] = st.Risk.RiskLevel
			}
			chunks = append(chunks, models.DocumentChunk{
				ChunkID:     fmt.Sprintf("%s_chunk_%d", st.ContractID, seq),
				ContractID:  st.ContractID,
				SectionName: section.Name,
				ChunkIndex:  i,
				Text:        piece,
				Metadata:    meta,
			})
			seq++
		}
	}
	return chunks
}

func partyNodes(parties []string) []models.CompanyNode {
	if len(parties) == 0 {
		return []models.CompanyNode{
			{Name: "Unknown Party A", Role: "party_a"},
			{Name: "Unknown Party B", Role: "party_b"},
		}
	}
	nodes := make([]models.CompanyNode, 0, 2)
	for i, name := range parties {
		if i >= 2 {
			break
		}
		nodes = append(nodes, models.CompanyNode{
			Name: name,
			Role: "party_" + string(rune('a'+i)),
		})
	}
	return nodes
}

func sectionOrUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func riskLevelOrDefault(level string) string {
	switch level {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		return level
	default:
		return models.RiskMedium
	}
}

func ktString(kt map[string]any, key string) string {
	switch v := kt[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func ktBool(kt map[string]any, key string) bool {
	switch v := kt[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
