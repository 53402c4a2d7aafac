package pipeline

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/llm"
	"contractlens/internal/models"
	"contractlens/internal/retriever"
)

type fakeRetriever struct {
	resp *retriever.Response
	err  error
	opts retriever.Options
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, opts retriever.Options) (*retriever.Response, error) {
	f.opts = opts
	return f.resp, f.err
}

func retrievalResponse() *retriever.Response {
	return &retriever.Response{
		Results: []models.RetrievalResult{
			{ContractID: "c1", Content: "Payment is due within 30 days of invoice.", Source: models.SourceVector, RRFScore: 1.0 / 61},
			{ContractID: "c1", Content: "Contract Metadata: Risk Level: high, Risk Score: 7, Payment Amount: $10,000, Payment Frequency: monthly", Source: models.SourceGraph, RRFScore: 1.0 / 62},
		},
		VectorCount: 1,
		GraphCount:  1,
	}
}

func TestAnswerBuildsCitedPrompt(t *testing.T) {
	ret := &fakeRetriever{resp: retrievalResponse()}
	gen := &fakeGenerator{results: []*llm.GenerationResult{
		{Text: "Payment is due in 30 days [Source 1].", Model: "gemini-2.5-flash-lite", InputTokens: 300, OutputTokens: 40, Cost: 0.0005},
	}}
	ledger := &fakeLedger{}

	q := NewQueryPipeline(ret, gen, ledger, zap.NewNop())
	res, err := q.Answer(context.Background(), "when is payment due?", QueryOptions{ContractID: "c1"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if res.Text != "Payment is due in 30 days [Source 1]." {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Cost != 0.0005 {
		t.Fatalf("cost = %v", res.Cost)
	}
	if res.VectorCount != 1 || res.GraphCount != 1 {
		t.Fatalf("counts = %d/%d", res.VectorCount, res.GraphCount)
	}

	prompt := gen.prompts[0]
	if !strings.Contains(prompt, "[Source 1 - vector]\nPayment is due within 30 days of invoice.") {
		t.Fatalf("prompt missing vector source header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[Source 2 - graph]\n") {
		t.Fatalf("prompt missing graph source header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "based ONLY on the provided context") {
		t.Fatal("prompt missing grounding instruction")
	}

	if len(res.Sources) != 2 {
		t.Fatalf("sources = %+v", res.Sources)
	}
	if res.Sources[0].Index != 1 || res.Sources[0].Type != models.SourceVector || res.Sources[0].ContractID != "c1" {
		t.Fatalf("source 0 = %+v", res.Sources[0])
	}
	// Long content previews to 100 chars plus ellipsis.
	if len(res.Sources[1].Preview) != 103 || !strings.HasSuffix(res.Sources[1].Preview, "...") {
		t.Fatalf("preview = %q (len %d)", res.Sources[1].Preview, len(res.Sources[1].Preview))
	}

	if len(ledger.entries) != 1 || ledger.entries[0].Operation != "query" || ledger.entries[0].Model != "gemini-2.5-flash-lite" {
		t.Fatalf("ledger entries = %+v", ledger.entries)
	}
}

func TestAnswerRefusesWithoutContext(t *testing.T) {
	ret := &fakeRetriever{resp: &retriever.Response{}}
	gen := &fakeGenerator{}
	ledger := &fakeLedger{}

	q := NewQueryPipeline(ret, gen, ledger, zap.NewNop())
	res, err := q.Answer(context.Background(), "what is the liability cap?", QueryOptions{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Text != RefusalAnswer {
		t.Fatalf("text = %q, want refusal", res.Text)
	}
	if res.Cost != 0 {
		t.Fatalf("cost = %v, want 0", res.Cost)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times, want 0", gen.calls)
	}
	if len(ledger.entries) != 0 {
		t.Fatalf("ledger entries = %+v, want none", ledger.entries)
	}
}

func TestAnswerSurfacesRetrievalFailure(t *testing.T) {
	ret := &fakeRetriever{err: fault.New(fault.KindTransient, "vector index down")}
	q := NewQueryPipeline(ret, &fakeGenerator{}, &fakeLedger{}, zap.NewNop())

	_, err := q.Answer(context.Background(), "anything", QueryOptions{})
	if err == nil {
		t.Fatal("expected retrieval error to surface")
	}
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("kind = %v", fault.KindOf(err))
	}
}

func TestAnswerFoldsGenerationFailureIntoResult(t *testing.T) {
	ret := &fakeRetriever{resp: retrievalResponse()}
	gen := &fakeGenerator{errs: []error{fault.New(fault.KindUnavailable, "breaker open")}}
	ledger := &fakeLedger{}

	q := NewQueryPipeline(ret, gen, ledger, zap.NewNop())
	res, err := q.Answer(context.Background(), "when is payment due?", QueryOptions{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("text = %q, want empty", res.Text)
	}
	if res.ErrorKind != "service_unavailable" {
		t.Fatalf("error kind = %q", res.ErrorKind)
	}
	if res.Cost != 0 {
		t.Fatalf("cost = %v, want 0", res.Cost)
	}
	// Sources survive so the caller can still show what was found.
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %+v", res.Sources)
	}
	if len(ledger.entries) != 0 {
		t.Fatalf("ledger entries = %+v, want none", ledger.entries)
	}
}

func TestAnswerPassesScopeAndDepth(t *testing.T) {
	ret := &fakeRetriever{resp: &retriever.Response{}}
	q := NewQueryPipeline(ret, &fakeGenerator{}, &fakeLedger{}, zap.NewNop())

	if _, err := q.Answer(context.Background(), "q", QueryOptions{ContractID: "c9", NResults: 3}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if ret.opts.ContractID != "c9" || ret.opts.NVector != 3 {
		t.Fatalf("retrieval opts = %+v", ret.opts)
	}
}

func TestAnswerRejectsEmptyQuery(t *testing.T) {
	q := NewQueryPipeline(&fakeRetriever{}, &fakeGenerator{}, &fakeLedger{}, zap.NewNop())
	if _, err := q.Answer(context.Background(), "  ", QueryOptions{}); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}
