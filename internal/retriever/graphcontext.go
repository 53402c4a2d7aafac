package retriever

import (
	"context"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/graphstore"
	"contractlens/internal/models"
)

// GraphContext is the flat neighbourhood summary of one contract.
type GraphContext struct {
	ContractID       string                  `json:"contract_id"`
	ContractMetadata map[string]any          `json:"contract_metadata"`
	Companies        []models.CompanyNode    `json:"companies"`
	Clauses          []models.ClauseNode     `json:"clauses"`
	Risks            []models.RiskFactorNode `json:"risks"`
	TraversalDepth   int                     `json:"traversal_depth"`
}

// ClauseContext pairs a clause with the risks flagged in its section.
type ClauseContext struct {
	Clause       models.ClauseNode       `json:"clause"`
	RelatedRisks []models.RiskFactorNode `json:"related_risks"`
}

// CompanyContract is one row of a contracts-by-company lookup.
type CompanyContract struct {
	ContractID string `json:"contract_id"`
	Filename   string `json:"filename"`
	RiskLevel  string `json:"risk_level"`
	Role       string `json:"role"`
}

// RiskContext pairs a risk with the content of its matching clause.
type RiskContext struct {
	Risk          models.RiskFactorNode `json:"risk"`
	ClauseContent string                `json:"clause_content,omitempty"`
}

// ContextOptions tune ContextForContract.
type ContextOptions struct {
	IncludeCompanies bool
	IncludeClauses   bool
	IncludeRisks     bool
	MaxClauses       int
}

func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		IncludeCompanies: true,
		IncludeClauses:   true,
		IncludeRisks:     true,
		MaxClauses:       10,
	}
}

// GraphContextRetriever expands context around a contract. Every method
// is a single traversal; none fans into per-node follow-up queries.
type GraphContextRetriever struct {
	q   graphstore.Querier
	log *zap.Logger
}

func NewGraphContextRetriever(q graphstore.Querier, log *zap.Logger) *GraphContextRetriever {
	return &GraphContextRetriever{q: q, log: log}
}

// ContextForContract collects the contract's metadata, parties, clauses
// and risks. A missing contract returns (nil, nil).
func (g *GraphContextRetriever) ContextForContract(ctx context.Context, contractID string, opts ContextOptions) (*GraphContext, error) {
	if contractID == "" {
		return nil, fault.New(fault.KindInvalidInput, "contract_id required")
	}
	if opts.MaxClauses <= 0 {
		opts.MaxClauses = 10
	}

	res, err := g.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})
		OPTIONAL MATCH (co:Company)-[:PARTY_TO]->(c)
		OPTIONAL MATCH (c)-[:CONTAINS]->(cl:Clause)
		OPTIONAL MATCH (c)-[:HAS_RISK]->(r:RiskFactor)
		RETURN c,
		       collect(DISTINCT co) as companies,
		       collect(DISTINCT cl)[0..$max_clauses] as clauses,
		       collect(DISTINCT r) as risks`,
		map[string]any{
			"contract_id": contractID,
			"max_clauses": opts.MaxClauses,
		})
	if err != nil {
		return nil, err
	}
	if res.Empty() || len(res.Rows[0]) < 4 {
		g.log.Info("contract not found in graph", zap.String("contract_id", contractID))
		return nil, nil
	}

	row := res.Rows[0]
	props := graphstore.PropsOf(row[0])
	if props == nil {
		return nil, nil
	}

	gc := &GraphContext{
		ContractID: contractID,
		ContractMetadata: map[string]any{
			"contract_id":            graphstore.Str(props, "contract_id"),
			"filename":               graphstore.Str(props, "filename"),
			"upload_date":            graphstore.Str(props, "upload_date"),
			"risk_score":             graphstore.Int(props, "risk_score"),
			"risk_level":             graphstore.Str(props, "risk_level"),
			"payment_amount":         graphstore.Str(props, "payment_amount"),
			"payment_frequency":      graphstore.Str(props, "payment_frequency"),
			"has_termination_clause": graphstore.Bool(props, "has_termination_clause"),
			"liability_cap":          graphstore.Str(props, "liability_cap"),
		},
		TraversalDepth: 1,
	}

	if opts.IncludeCompanies {
		for _, cell := range graphstore.ListOf(row[1]) {
			if p := graphstore.PropsOf(cell); p != nil {
				gc.Companies = append(gc.Companies, models.CompanyNode{
					Name: graphstore.Str(p, "name"),
					Role: graphstore.Str(p, "role"),
				})
			}
		}
	}
	if opts.IncludeClauses {
		for _, cell := range graphstore.ListOf(row[2]) {
			if p := graphstore.PropsOf(cell); p != nil {
				gc.Clauses = append(gc.Clauses, models.ClauseNode{
					SectionName: graphstore.Str(p, "section_name"),
					Content:     graphstore.Str(p, "content"),
					ClauseType:  graphstore.Str(p, "clause_type"),
					Importance:  graphstore.Str(p, "importance"),
				})
			}
		}
	}
	if opts.IncludeRisks {
		for _, cell := range graphstore.ListOf(row[3]) {
			if p := graphstore.PropsOf(cell); p != nil {
				gc.Risks = append(gc.Risks, models.RiskFactorNode{
					Concern:        graphstore.Str(p, "concern"),
					RiskLevel:      graphstore.Str(p, "risk_level"),
					Section:        graphstore.Str(p, "section"),
					Recommendation: graphstore.Str(p, "recommendation"),
				})
			}
		}
	}
	return gc, nil
}

// ContextForClauseType returns the clause of the given type together
// with risks flagged against its section, or (nil, nil) when absent.
func (g *GraphContextRetriever) ContextForClauseType(ctx context.Context, contractID, clauseType string) (*ClauseContext, error) {
	if contractID == "" || clauseType == "" {
		return nil, fault.New(fault.KindInvalidInput, "contract_id and clause_type required")
	}

	res, err := g.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})-[:CONTAINS]->(cl:Clause)
		WHERE cl.clause_type = $clause_type
		OPTIONAL MATCH (c)-[:HAS_RISK]->(r:RiskFactor)
		WHERE r.section = cl.section_name
		RETURN cl, collect(r) as related_risks`,
		map[string]any{
			"contract_id": contractID,
			"clause_type": clauseType,
		})
	if err != nil {
		return nil, err
	}
	if res.Empty() || len(res.Rows[0]) < 2 {
		return nil, nil
	}

	row := res.Rows[0]
	props := graphstore.PropsOf(row[0])
	if props == nil {
		return nil, nil
	}

	cc := &ClauseContext{
		Clause: models.ClauseNode{
			SectionName: graphstore.Str(props, "section_name"),
			Content:     graphstore.Str(props, "content"),
			ClauseType:  graphstore.Str(props, "clause_type"),
			Importance:  graphstore.Str(props, "importance"),
		},
	}
	for _, cell := range graphstore.ListOf(row[1]) {
		if p := graphstore.PropsOf(cell); p != nil {
			cc.RelatedRisks = append(cc.RelatedRisks, models.RiskFactorNode{
				Concern:        graphstore.Str(p, "concern"),
				RiskLevel:      graphstore.Str(p, "risk_level"),
				Section:        graphstore.Str(p, "section"),
				Recommendation: graphstore.Str(p, "recommendation"),
			})
		}
	}
	return cc, nil
}

// ContractsByCompany lists contracts the company is party to, newest
// upload first.
func (g *GraphContextRetriever) ContractsByCompany(ctx context.Context, companyName string, limit int) ([]CompanyContract, error) {
	if companyName == "" {
		return nil, fault.New(fault.KindInvalidInput, "company name required")
	}
	if limit <= 0 {
		limit = 5
	}

	res, err := g.q.Query(ctx, `
		MATCH (co:Company {name: $company_name})-[:PARTY_TO]->(c:Contract)
		RETURN c.contract_id, c.filename, c.risk_level, co.role
		ORDER BY c.upload_date DESC
		LIMIT $limit`,
		map[string]any{
			"company_name": companyName,
			"limit":        limit,
		})
	if err != nil {
		return nil, err
	}

	var contracts []CompanyContract
	for _, row := range res.Rows {
		if len(row) < 4 {
			continue
		}
		contracts = append(contracts, CompanyContract{
			ContractID: scalarString(row[0]),
			Filename:   scalarString(row[1]),
			RiskLevel:  scalarString(row[2]),
			Role:       scalarString(row[3]),
		})
	}
	return contracts, nil
}

// RiskContextFor lists every risk of the contract (optionally filtered
// by level) paired with its matching clause content.
func (g *GraphContextRetriever) RiskContextFor(ctx context.Context, contractID, riskLevel string) ([]RiskContext, error) {
	if contractID == "" {
		return nil, fault.New(fault.KindInvalidInput, "contract_id required")
	}

	var level any
	if riskLevel != "" {
		level = riskLevel
	}
	res, err := g.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})-[:HAS_RISK]->(r:RiskFactor)
		WHERE $risk_level IS NULL OR r.risk_level = $risk_level
		OPTIONAL MATCH (c)-[:CONTAINS]->(cl:Clause)
		WHERE cl.section_name = r.section
		RETURN r, cl.content as clause_content`,
		map[string]any{
			"contract_id": contractID,
			"risk_level":  level,
		})
	if err != nil {
		return nil, err
	}

	var contexts []RiskContext
	for _, row := range res.Rows {
		if len(row) < 2 {
			continue
		}
		p := graphstore.PropsOf(row[0])
		if p == nil {
			continue
		}
		contexts = append(contexts, RiskContext{
			Risk: models.RiskFactorNode{
				Concern:        graphstore.Str(p, "concern"),
				RiskLevel:      graphstore.Str(p, "risk_level"),
				Section:        graphstore.Str(p, "section"),
				Recommendation: graphstore.Str(p, "recommendation"),
			},
			ClauseContent: scalarString(row[1]),
		})
	}
	return contexts, nil
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
