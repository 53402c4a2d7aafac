package graphstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/models"
)

type recordedQuery struct {
	cypher string
	params map[string]any
}

// fakeQuerier records queries and replays canned results keyed by a
// substring of the Cypher text.
type fakeQuerier struct {
	queries []recordedQuery
	results map[string]*Result
	err     error
}

func (f *fakeQuerier) Query(_ context.Context, cypher string, params map[string]any) (*Result, error) {
	f.queries = append(f.queries, recordedQuery{cypher: cypher, params: params})
	if f.err != nil {
		return nil, f.err
	}
	for needle, res := range f.results {
		if strings.Contains(cypher, needle) {
			return res, nil
		}
	}
	return &Result{}, nil
}

func TestEncodeLiteral(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"plain", `"plain"`},
		{`with "quotes" and \slash`, `"with \"quotes\" and \\slash"`},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{2.5, "2.5"},
	}
	for _, c := range cases {
		if got := encodeLiteral(c.in); got != c.want {
			t.Fatalf("encodeLiteral(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestDecodeReply(t *testing.T) {
	// Verbose wire shape: header, rows, stats.
	raw := []any{
		[]any{"c.contract_id", "c.risk_level"},
		[]any{
			[]any{"contract-1", "high"},
		},
		[]any{"Query internal execution time: 0.2 ms"},
	}
	res, err := decodeReply(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Columns) != 2 || res.Columns[0] != "c.contract_id" {
		t.Fatalf("columns = %v", res.Columns)
	}
	if len(res.Rows) != 1 || res.Rows[0][1] != "high" {
		t.Fatalf("rows = %v", res.Rows)
	}

	// Write-only replies carry stats only.
	res, err = decodeReply([]any{[]any{"Nodes created: 1"}})
	if err != nil {
		t.Fatalf("decode stats-only: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty result, got %v", res.Rows)
	}
}

func TestPropsOfWireNode(t *testing.T) {
	node := []any{
		[]any{"id", int64(3)},
		[]any{"labels", []any{"Contract"}},
		[]any{"properties", []any{
			[]any{"contract_id", "contract-1"},
			[]any{"risk_score", int64(7)},
			[]any{"has_termination_clause", "true"},
		}},
	}
	props := PropsOf(node)
	if Str(props, "contract_id") != "contract-1" {
		t.Fatalf("contract_id = %q", Str(props, "contract_id"))
	}
	if Int(props, "risk_score") != 7 {
		t.Fatalf("risk_score = %d", Int(props, "risk_score"))
	}
	if !Bool(props, "has_termination_clause") {
		t.Fatal("has_termination_clause = false")
	}
	if PropsOf("scalar") != nil {
		t.Fatal("scalar cell should have no props")
	}
}

func TestStoreContractWritesDeterministicChildren(t *testing.T) {
	fake := &fakeQuerier{}
	store := NewStore(fake, zap.NewNop())

	contract := models.ContractNode{
		ContractID: "contract-1",
		Filename:   "msa.pdf",
		UploadDate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		RiskScore:  7,
		RiskLevel:  models.RiskHigh,
	}
	companies := []models.CompanyNode{{Name: "Acme Corp", Role: "vendor"}}
	clauses := []models.ClauseNode{
		{SectionName: "Termination", Content: "either party may..", ClauseType: "concern", Importance: "high"},
		{SectionName: "Liability", Content: "unlimited liability", ClauseType: "concern", Importance: "high"},
	}
	risks := []models.RiskFactorNode{{Concern: "unlimited liability", RiskLevel: models.RiskHigh, Section: "Liability"}}

	if err := store.StoreContract(context.Background(), contract, companies, clauses, risks); err != nil {
		t.Fatalf("store: %v", err)
	}

	// cleanup + contract + 1 company + 2 clauses + 1 risk
	if len(fake.queries) != 6 {
		t.Fatalf("query count = %d, want 6", len(fake.queries))
	}
	if !strings.Contains(fake.queries[1].cypher, "MERGE (c:Contract") {
		t.Fatalf("contract write not a MERGE: %s", fake.queries[1].cypher)
	}
	if got := fake.queries[3].params["clause_id"]; got != "contract-1_clause_0" {
		t.Fatalf("clause_id = %v, want contract-1_clause_0", got)
	}
	if got := fake.queries[4].params["clause_id"]; got != "contract-1_clause_1" {
		t.Fatalf("clause_id = %v, want contract-1_clause_1", got)
	}
	if got := fake.queries[5].params["risk_id"]; got != "contract-1_risk_0" {
		t.Fatalf("risk_id = %v, want contract-1_risk_0", got)
	}

	// A second identical write issues the identical statement stream.
	first := make([]recordedQuery, len(fake.queries))
	copy(first, fake.queries)
	fake.queries = nil
	if err := store.StoreContract(context.Background(), contract, companies, clauses, risks); err != nil {
		t.Fatalf("store again: %v", err)
	}
	for i := range first {
		if first[i].cypher != fake.queries[i].cypher {
			t.Fatalf("query %d differs between identical writes", i)
		}
		if len(first[i].params) != len(fake.queries[i].params) {
			t.Fatalf("params %d differ between identical writes", i)
		}
	}
}

func TestStoreContractRequiresID(t *testing.T) {
	store := NewStore(&fakeQuerier{}, zap.NewNop())
	if err := store.StoreContract(context.Background(), models.ContractNode{}, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing contract_id")
	}
}

func TestGetContract(t *testing.T) {
	fake := &fakeQuerier{results: map[string]*Result{
		"collect(DISTINCT co)": {
			Columns: []string{"c", "companies", "clauses", "risks"},
			Rows: [][]any{{
				map[string]any{
					"contract_id": "contract-1",
					"filename":    "msa.pdf",
					"upload_date": "2025-05-01T00:00:00Z",
					"risk_score":  int64(7),
					"risk_level":  "high",
				},
				[]any{map[string]any{"name": "Acme Corp", "role": "vendor"}},
				[]any{map[string]any{"section_name": "Termination", "content": "..", "clause_type": "concern", "importance": "high"}},
				[]any{map[string]any{"concern": "unlimited liability", "risk_level": "high", "section": "Liability"}},
			}},
		},
	}}
	store := NewStore(fake, zap.NewNop())

	view, err := store.GetContract(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view == nil {
		t.Fatal("view is nil")
	}
	if view.Contract.RiskScore != 7 || view.Contract.RiskLevel != "high" {
		t.Fatalf("contract = %+v", view.Contract)
	}
	if len(view.Companies) != 1 || view.Companies[0].Name != "Acme Corp" {
		t.Fatalf("companies = %+v", view.Companies)
	}
	if len(view.Clauses) != 1 || len(view.RiskFactors) != 1 {
		t.Fatalf("clauses/risks = %d/%d", len(view.Clauses), len(view.RiskFactors))
	}
}

func TestGetContractMissingReturnsNil(t *testing.T) {
	store := NewStore(&fakeQuerier{}, zap.NewNop())
	view, err := store.GetContract(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view, got %+v", view)
	}
}
