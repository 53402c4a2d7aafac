package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
)

const (
	defaultBaseURL = "https://api.cloud.llamaindex.ai/api/parsing"

	pollInterval = 2 * time.Second
	pollTimeout  = 120 * time.Second
)

// ParsedDocument is the structured output of one parsed PDF.
type ParsedDocument struct {
	Text      string    `json:"parsed_text"`
	Sections  []Section `json:"sections"`
	Tables    []Table   `json:"tables"`
	Metadata  Metadata  `json:"metadata"`
	PageCount int       `json:"page_count"`
}

// Section is one numbered legal section.
type Section struct {
	Number  string `json:"section_number"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Level   int    `json:"level"`
}

// Table is one markdown table lifted out of the document.
type Table struct {
	Number   int        `json:"table_number"`
	Headers  []string   `json:"headers"`
	Rows     [][]string `json:"rows"`
	Markdown string     `json:"markdown"`
}

// Metadata holds document-level facts pulled from the text.
type Metadata struct {
	Filename     string    `json:"filename"`
	ExtractedAt  time.Time `json:"extracted_at"`
	ContractType string    `json:"contract_type,omitempty"`
	Parties      []string  `json:"parties"`
	Dates        []string  `json:"dates"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
}

// Parser turns a PDF into structured markdown.
type Parser interface {
	Parse(ctx context.Context, fileBytes []byte, filename string) (*ParsedDocument, error)
}

// CloudParser drives the LlamaParse cloud API: upload the file, poll the
// job, fetch the markdown result, then extract structure locally.
type CloudParser struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	pollWait time.Duration
	log      *zap.Logger
}

func NewCloudParser(apiKey string, log *zap.Logger) *CloudParser {
	return &CloudParser{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: 60 * time.Second},
		pollWait: pollInterval,
		log:      log,
	}
}

// WithBaseURL points the parser at a different endpoint. Used by tests.
func (p *CloudParser) WithBaseURL(url string) *CloudParser {
	p.baseURL = url
	return p
}

func (p *CloudParser) Parse(ctx context.Context, fileBytes []byte, filename string) (*ParsedDocument, error) {
	if len(fileBytes) == 0 {
		return nil, fault.New(fault.KindInvalidInput, "empty document")
	}
	if p.apiKey == "" {
		return nil, fault.New(fault.KindInvalidInput, "parser api key not configured")
	}

	start := time.Now()
	jobID, err := p.upload(ctx, fileBytes, filename)
	if err != nil {
		return nil, err
	}
	if err := p.waitForJob(ctx, jobID); err != nil {
		return nil, err
	}
	markdown, pages, err := p.fetchMarkdown(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if markdown == "" {
		return nil, fault.New(fault.KindIntegrity, "no content extracted from %s", filename)
	}

	doc := &ParsedDocument{
		Text:      markdown,
		Sections:  ExtractSections(markdown),
		Tables:    ExtractTables(markdown),
		Metadata:  ExtractMetadata(markdown, filename),
		PageCount: pages,
	}
	p.log.Info("document parsed",
		zap.String("filename", filename),
		zap.Int("chars", len(markdown)),
		zap.Int("sections", len(doc.Sections)),
		zap.Int("tables", len(doc.Tables)),
		zap.Duration("took", time.Since(start)))
	return doc, nil
}

func (p *CloudParser) upload(ctx context.Context, fileBytes []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, err)
	}
	if _, err := fw.Write(fileBytes); err != nil {
		return "", fault.Wrap(fault.KindFatal, err)
	}
	if err := mw.WriteField("result_type", "markdown"); err != nil {
		return "", fault.Wrap(fault.KindFatal, err)
	}
	if err := mw.Close(); err != nil {
		return "", fault.Wrap(fault.KindFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/upload", &body)
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := p.do(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.New(fault.KindIntegrity, "upload response missing job id")
	}
	return out.ID, nil
}

func (p *CloudParser) waitForJob(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(pollTimeout)
	ticker := time.NewTicker(p.pollWait)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/job/"+jobID, nil)
		if err != nil {
			return fault.Wrap(fault.KindFatal, err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		var out struct {
			Status string `json:"status"`
		}
		if err := p.do(req, &out); err != nil {
			return err
		}
		switch out.Status {
		case "SUCCESS":
			return nil
		case "ERROR", "CANCELLED":
			return fault.New(fault.KindFatal, "parse job %s finished with status %s", jobID, out.Status)
		}

		if time.Now().After(deadline) {
			return fault.New(fault.KindTimeout, "parse job %s did not finish within %s", jobID, pollTimeout)
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *CloudParser) fetchMarkdown(ctx context.Context, jobID string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/job/"+jobID+"/result/markdown", nil)
	if err != nil {
		return "", 0, fault.Wrap(fault.KindFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	var out struct {
		Markdown string `json:"markdown"`
		JobMeta  struct {
			JobPages int `json:"job_pages"`
		} `json:"job_metadata"`
	}
	if err := p.do(req, &out); err != nil {
		return "", 0, err
	}
	return out.Markdown, out.JobMeta.JobPages, nil
}

func (p *CloudParser) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return fault.Wrap(fault.KindTimeout, err)
		}
		return fault.Wrap(fault.KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := fault.KindFatal
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			kind = fault.KindTransient
		case resp.StatusCode == http.StatusBadRequest:
			kind = fault.KindInvalidInput
		case resp.StatusCode == http.StatusNotFound:
			kind = fault.KindNotFound
		}
		return fault.New(kind, "parser api %s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.Wrap(fault.KindIntegrity, fmt.Errorf("decode parser response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
