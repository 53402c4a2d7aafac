package graphstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/models"
)

// Store writes and reads the contract knowledge graph: Contract,
// Company, Clause and RiskFactor nodes with PARTY_TO / CONTAINS /
// HAS_RISK relationships.
type Store struct {
	q   Querier
	log *zap.Logger
}

func NewStore(q Querier, log *zap.Logger) *Store {
	return &Store{q: q, log: log}
}

// InitSchema creates the lookup indexes. Errors are logged and ignored;
// the server rejects duplicates on restart.
func (s *Store) InitSchema(ctx context.Context) {
	indexes := []string{
		"CREATE INDEX FOR (c:Contract) ON (c.contract_id)",
		"CREATE INDEX FOR (c:Contract) ON (c.upload_date)",
		"CREATE INDEX FOR (c:Contract) ON (c.risk_level)",
		"CREATE INDEX FOR (co:Company) ON (co.name)",
		"CREATE INDEX FOR (cl:Clause) ON (cl.clause_type)",
		"CREATE INDEX FOR (r:RiskFactor) ON (r.risk_level)",
	}
	for _, idx := range indexes {
		if _, err := s.q.Query(ctx, idx, nil); err != nil {
			s.log.Debug("index create skipped", zap.String("index", idx), zap.Error(err))
		}
	}
}

// StoreContract writes the full contract graph. Contract and Company
// nodes are MERGEd on their unique keys so repeated writes converge;
// clause and risk nodes carry deterministic ids derived from the
// contract id, so a rewrite replaces them in place.
func (s *Store) StoreContract(ctx context.Context, contract models.ContractNode,
	companies []models.CompanyNode, clauses []models.ClauseNode, risks []models.RiskFactorNode) error {

	if contract.ContractID == "" {
		return fault.New(fault.KindInvalidInput, "contract_id required")
	}

	// Drop clause/risk children from a previous write of this contract
	// before recreating them, keeping the write idempotent.
	_, err := s.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})
		OPTIONAL MATCH (c)-[:CONTAINS]->(cl:Clause)
		OPTIONAL MATCH (c)-[:HAS_RISK]->(r:RiskFactor)
		DETACH DELETE cl, r`,
		map[string]any{"contract_id": contract.ContractID})
	if err != nil {
		return err
	}

	_, err = s.q.Query(ctx, `
		MERGE (c:Contract {contract_id: $contract_id})
		SET c.filename = $filename,
		    c.upload_date = $upload_date,
		    c.risk_score = $risk_score,
		    c.risk_level = $risk_level,
		    c.payment_amount = $payment_amount,
		    c.payment_frequency = $payment_frequency,
		    c.has_termination_clause = $has_termination_clause,
		    c.liability_cap = $liability_cap`,
		map[string]any{
			"contract_id":            contract.ContractID,
			"filename":               contract.Filename,
			"upload_date":            contract.UploadDate.UTC().Format(time.RFC3339),
			"risk_score":             contract.RiskScore,
			"risk_level":             contract.RiskLevel,
			"payment_amount":         contract.PaymentAmount,
			"payment_frequency":      contract.PaymentFrequency,
			"has_termination_clause": contract.HasTerminationClause,
			"liability_cap":          contract.LiabilityCap,
		})
	if err != nil {
		return err
	}

	for _, company := range companies {
		_, err := s.q.Query(ctx, `
			MERGE (co:Company {name: $name})
			SET co.role = $role
			WITH co
			MATCH (c:Contract {contract_id: $contract_id})
			MERGE (co)-[r:PARTY_TO]->(c)
			SET r.role = $role`,
			map[string]any{
				"name":        company.Name,
				"role":        company.Role,
				"contract_id": contract.ContractID,
			})
		if err != nil {
			return err
		}
	}

	for i, clause := range clauses {
		_, err := s.q.Query(ctx, `
			CREATE (cl:Clause {clause_id: $clause_id})
			SET cl.section_name = $section_name,
			    cl.content = $content,
			    cl.clause_type = $clause_type,
			    cl.importance = $importance
			WITH cl
			MATCH (c:Contract {contract_id: $contract_id})
			MERGE (c)-[r:CONTAINS]->(cl)`,
			map[string]any{
				"clause_id":    fmt.Sprintf("%s_clause_%d", contract.ContractID, i),
				"section_name": clause.SectionName,
				"content":      clause.Content,
				"clause_type":  clause.ClauseType,
				"importance":   clause.Importance,
				"contract_id":  contract.ContractID,
			})
		if err != nil {
			return err
		}
	}

	for i, risk := range risks {
		_, err := s.q.Query(ctx, `
			CREATE (r:RiskFactor {risk_id: $risk_id})
			SET r.concern = $concern,
			    r.risk_level = $risk_level,
			    r.section = $section,
			    r.recommendation = $recommendation
			WITH r
			MATCH (c:Contract {contract_id: $contract_id})
			MERGE (c)-[rel:HAS_RISK]->(r)
			SET rel.risk_level = $risk_level`,
			map[string]any{
				"risk_id":        fmt.Sprintf("%s_risk_%d", contract.ContractID, i),
				"concern":        risk.Concern,
				"risk_level":     risk.RiskLevel,
				"section":        risk.Section,
				"recommendation": risk.Recommendation,
				"contract_id":    contract.ContractID,
			})
		if err != nil {
			return err
		}
	}

	s.log.Info("contract graph stored",
		zap.String("contract_id", contract.ContractID),
		zap.Int("companies", len(companies)),
		zap.Int("clauses", len(clauses)),
		zap.Int("risks", len(risks)))
	return nil
}

// GetContract returns the full neighbourhood of one contract in a single
// traversal, or nil if the contract does not exist.
func (s *Store) GetContract(ctx context.Context, contractID string) (*models.ContractView, error) {
	res, err := s.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})
		OPTIONAL MATCH (co:Company)-[:PARTY_TO]->(c)
		OPTIONAL MATCH (c)-[:CONTAINS]->(cl:Clause)
		OPTIONAL MATCH (c)-[:HAS_RISK]->(r:RiskFactor)
		RETURN c,
		       collect(DISTINCT co) as companies,
		       collect(DISTINCT cl) as clauses,
		       collect(DISTINCT r) as risks`,
		map[string]any{"contract_id": contractID})
	if err != nil {
		return nil, err
	}
	if res.Empty() || len(res.Rows[0]) < 4 {
		return nil, nil
	}

	row := res.Rows[0]
	props := PropsOf(row[0])
	if props == nil {
		return nil, nil
	}

	uploadDate, _ := time.Parse(time.RFC3339, Str(props, "upload_date"))
	view := &models.ContractView{
		Contract: models.ContractNode{
			ContractID:           Str(props, "contract_id"),
			Filename:             Str(props, "filename"),
			UploadDate:           uploadDate,
			RiskScore:            Int(props, "risk_score"),
			RiskLevel:            Str(props, "risk_level"),
			PaymentAmount:        Str(props, "payment_amount"),
			PaymentFrequency:     Str(props, "payment_frequency"),
			HasTerminationClause: Bool(props, "has_termination_clause"),
			LiabilityCap:         Str(props, "liability_cap"),
		},
	}

	for _, cell := range ListOf(row[1]) {
		if p := PropsOf(cell); p != nil {
			view.Companies = append(view.Companies, models.CompanyNode{
				Name: Str(p, "name"),
				Role: Str(p, "role"),
			})
		}
	}
	for _, cell := range ListOf(row[2]) {
		if p := PropsOf(cell); p != nil {
			view.Clauses = append(view.Clauses, models.ClauseNode{
				SectionName: Str(p, "section_name"),
				Content:     Str(p, "content"),
				ClauseType:  Str(p, "clause_type"),
				Importance:  Str(p, "importance"),
			})
		}
	}
	for _, cell := range ListOf(row[3]) {
		if p := PropsOf(cell); p != nil {
			view.RiskFactors = append(view.RiskFactors, models.RiskFactorNode{
				Concern:        Str(p, "concern"),
				RiskLevel:      Str(p, "risk_level"),
				Section:        Str(p, "section"),
				Recommendation: Str(p, "recommendation"),
			})
		}
	}
	return view, nil
}

// DeleteContract removes the contract plus its clause and risk children.
// Company nodes survive since they may be shared across contracts.
func (s *Store) DeleteContract(ctx context.Context, contractID string) error {
	_, err := s.q.Query(ctx, `
		MATCH (c:Contract {contract_id: $contract_id})
		OPTIONAL MATCH (c)-[:CONTAINS]->(cl:Clause)
		OPTIONAL MATCH (c)-[:HAS_RISK]->(r:RiskFactor)
		DETACH DELETE c, cl, r`,
		map[string]any{"contract_id": contractID})
	if err != nil {
		return err
	}
	s.log.Info("contract graph deleted", zap.String("contract_id", contractID))
	return nil
}
