package retriever

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/graphstore"
)

type fakeGraphQuerier struct {
	queries []string
	params  []map[string]any
	results map[string]*graphstore.Result
}

func (f *fakeGraphQuerier) Query(_ context.Context, cypher string, params map[string]any) (*graphstore.Result, error) {
	f.queries = append(f.queries, cypher)
	f.params = append(f.params, params)
	for needle, res := range f.results {
		if strings.Contains(cypher, needle) {
			return res, nil
		}
	}
	return &graphstore.Result{}, nil
}

func TestContextForContract(t *testing.T) {
	fake := &fakeGraphQuerier{results: map[string]*graphstore.Result{
		"collect(DISTINCT co)": {
			Columns: []string{"c", "companies", "clauses", "risks"},
			Rows: [][]any{{
				map[string]any{
					"contract_id":       "c1",
					"filename":          "msa.pdf",
					"risk_score":        int64(7),
					"risk_level":        "high",
					"payment_amount":    "$10,000",
					"payment_frequency": "monthly",
				},
				[]any{map[string]any{"name": "Acme Corp", "role": "vendor"}},
				[]any{map[string]any{"section_name": "Liability", "content": "uncapped", "clause_type": "concern", "importance": "high"}},
				[]any{map[string]any{"concern": "unlimited liability", "risk_level": "high", "section": "Liability", "recommendation": "cap it"}},
			}},
		},
	}}
	r := NewGraphContextRetriever(fake, zap.NewNop())

	gc, err := r.ContextForContract(context.Background(), "c1", DefaultContextOptions())
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if gc == nil {
		t.Fatal("context is nil")
	}
	if gc.ContractMetadata["risk_level"] != "high" || gc.ContractMetadata["risk_score"] != 7 {
		t.Fatalf("metadata = %v", gc.ContractMetadata)
	}
	if len(gc.Companies) != 1 || gc.Companies[0].Name != "Acme Corp" {
		t.Fatalf("companies = %+v", gc.Companies)
	}
	if len(gc.Clauses) != 1 || gc.Clauses[0].SectionName != "Liability" {
		t.Fatalf("clauses = %+v", gc.Clauses)
	}
	if len(gc.Risks) != 1 || gc.Risks[0].Recommendation != "cap it" {
		t.Fatalf("risks = %+v", gc.Risks)
	}
	if gc.TraversalDepth != 1 {
		t.Fatalf("depth = %d", gc.TraversalDepth)
	}
	// A single query serves the whole expansion.
	if len(fake.queries) != 1 {
		t.Fatalf("query count = %d, want 1", len(fake.queries))
	}
	if fake.params[0]["max_clauses"] != 10 {
		t.Fatalf("max_clauses = %v, want 10", fake.params[0]["max_clauses"])
	}
}

func TestContextForContractMissing(t *testing.T) {
	r := NewGraphContextRetriever(&fakeGraphQuerier{}, zap.NewNop())
	gc, err := r.ContextForContract(context.Background(), "nope", DefaultContextOptions())
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if gc != nil {
		t.Fatalf("expected nil context, got %+v", gc)
	}
}

func TestContextForContractRequiresID(t *testing.T) {
	r := NewGraphContextRetriever(&fakeGraphQuerier{}, zap.NewNop())
	_, err := r.ContextForContract(context.Background(), "", DefaultContextOptions())
	if !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestContextForClauseType(t *testing.T) {
	fake := &fakeGraphQuerier{results: map[string]*graphstore.Result{
		"collect(r) as related_risks": {
			Columns: []string{"cl", "related_risks"},
			Rows: [][]any{{
				map[string]any{"section_name": "Termination", "content": "30 days notice", "clause_type": "termination", "importance": "high"},
				[]any{map[string]any{"concern": "short notice period", "risk_level": "medium", "section": "Termination"}},
			}},
		},
	}}
	r := NewGraphContextRetriever(fake, zap.NewNop())

	cc, err := r.ContextForClauseType(context.Background(), "c1", "termination")
	if err != nil {
		t.Fatalf("clause context: %v", err)
	}
	if cc == nil {
		t.Fatal("clause context is nil")
	}
	if cc.Clause.SectionName != "Termination" {
		t.Fatalf("clause = %+v", cc.Clause)
	}
	if len(cc.RelatedRisks) != 1 || cc.RelatedRisks[0].Concern != "short notice period" {
		t.Fatalf("related risks = %+v", cc.RelatedRisks)
	}
}

func TestContextForClauseTypeMissing(t *testing.T) {
	r := NewGraphContextRetriever(&fakeGraphQuerier{}, zap.NewNop())
	cc, err := r.ContextForClauseType(context.Background(), "c1", "indemnity")
	if err != nil {
		t.Fatalf("clause context: %v", err)
	}
	if cc != nil {
		t.Fatalf("expected nil, got %+v", cc)
	}
}

func TestContractsByCompany(t *testing.T) {
	fake := &fakeGraphQuerier{results: map[string]*graphstore.Result{
		"PARTY_TO": {
			Columns: []string{"c.contract_id", "c.filename", "c.risk_level", "co.role"},
			Rows: [][]any{
				{"c2", "nda.pdf", "low", "customer"},
				{"c1", "msa.pdf", "high", "vendor"},
			},
		},
	}}
	r := NewGraphContextRetriever(fake, zap.NewNop())

	contracts, err := r.ContractsByCompany(context.Background(), "Acme Corp", 0)
	if err != nil {
		t.Fatalf("by company: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("count = %d", len(contracts))
	}
	if contracts[0].ContractID != "c2" || contracts[1].RiskLevel != "high" {
		t.Fatalf("contracts = %+v", contracts)
	}
	if fake.params[0]["limit"] != 5 {
		t.Fatalf("default limit = %v, want 5", fake.params[0]["limit"])
	}
}

func TestRiskContextFor(t *testing.T) {
	fake := &fakeGraphQuerier{results: map[string]*graphstore.Result{
		"HAS_RISK": {
			Columns: []string{"r", "clause_content"},
			Rows: [][]any{
				{
					map[string]any{"concern": "unlimited liability", "risk_level": "high", "section": "Liability", "recommendation": "cap it"},
					"liability shall be unlimited",
				},
				{
					map[string]any{"concern": "auto-renewal", "risk_level": "medium", "section": "Term"},
					nil,
				},
			},
		},
	}}
	r := NewGraphContextRetriever(fake, zap.NewNop())

	risks, err := r.RiskContextFor(context.Background(), "c1", "")
	if err != nil {
		t.Fatalf("risk context: %v", err)
	}
	if len(risks) != 2 {
		t.Fatalf("count = %d", len(risks))
	}
	if risks[0].ClauseContent != "liability shall be unlimited" {
		t.Fatalf("clause content = %q", risks[0].ClauseContent)
	}
	if risks[1].ClauseContent != "" {
		t.Fatalf("missing clause content = %q", risks[1].ClauseContent)
	}
	// Unfiltered lookups pass a null risk_level.
	if fake.params[0]["risk_level"] != nil {
		t.Fatalf("risk_level param = %v, want nil", fake.params[0]["risk_level"])
	}

	_, err = r.RiskContextFor(context.Background(), "c1", "high")
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if fake.params[1]["risk_level"] != "high" {
		t.Fatalf("risk_level param = %v, want high", fake.params[1]["risk_level"])
	}
}
