package parser

import (
	"regexp"
	"strings"
	"time"
)

// contractTypes are matched against the opening of the document to tag
// the contract kind.
var contractTypes = []string{
	"Non-Disclosure Agreement",
	"NDA",
	"Employment Agreement",
	"Service Agreement",
	"Lease Agreement",
	"Purchase Agreement",
	"License Agreement",
	"Partnership Agreement",
	"Master Service Agreement",
	"MSA",
	"Statement of Work",
	"SOW",
	"Terms of Service",
	"Privacy Policy",
}

var (
	sectionRe = regexp.MustCompile(`^((?:\d+\.)+\d*)\s+(.+)$`)

	betweenRe = regexp.MustCompile(`(?i)BETWEEN\s+(.+?)\s+(?:AND|&)\s+(.+?)(?:\n|,|\.)`)

	partyRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:Party A|First Party|Seller)(?:\s*[:\-]\s*|\s+)([A-Z][A-Za-z\s,\.]+?)(?:\n|,|\(|;)`),
		regexp.MustCompile(`(?:Party B|Second Party|Buyer)(?:\s*[:\-]\s*|\s+)([A-Z][A-Za-z\s,\.]+?)(?:\n|,|\(|;)`),
	}

	dateRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	}

	jurisdictionRe = regexp.MustCompile(`(?i)(?:governed by|governing law|jurisdiction)(?:\s+of)?(?:\s*[:\-]\s*|\s+)(?:the\s+)?([A-Z][A-Za-z\s]+?)(?:\n|,|\.|;)`)
)

// ExtractSections pulls numbered legal sections (1., 1.1, 2.3.4) out of
// markdown text. Lines between two headings belong to the first one.
func ExtractSections(text string) []Section {
	var sections []Section
	var current *Section
	var content []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(content, "\n"))
		sections = append(sections, *current)
		content = nil
	}

	for _, line := range strings.Split(text, "\n") {
		m := sectionRe.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil {
			flush()
			current = &Section{
				Number: m[1],
				Title:  strings.TrimSpace(m[2]),
				Level:  strings.Count(m[1], "."),
			}
			continue
		}
		if current != nil && strings.TrimSpace(line) != "" {
			content = append(content, line)
		}
	}
	flush()
	return sections
}

// ExtractTables finds markdown pipe tables: a header row, a separator
// row and any number of data rows.
func ExtractTables(text string) []Table {
	var tables []Table
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "|") {
			continue
		}

		var block []string
		for i < len(lines) {
			l := strings.TrimSpace(lines[i])
			if !strings.HasPrefix(l, "|") {
				break
			}
			block = append(block, l)
			i++
		}
		if len(block) < 2 {
			continue
		}

		headers := splitTableRow(block[0])
		var rows [][]string
		for _, l := range block[2:] {
			if cells := splitTableRow(l); len(cells) > 0 {
				rows = append(rows, cells)
			}
		}
		tables = append(tables, Table{
			Number:   len(tables) + 1,
			Headers:  headers,
			Rows:     rows,
			Markdown: strings.Join(block, "\n"),
		})
	}
	return tables
}

func splitTableRow(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

// ExtractMetadata scans the text for the contract type, party names,
// dates and governing law.
func ExtractMetadata(text, filename string) Metadata {
	md := Metadata{
		Filename:    filename,
		ExtractedAt: time.Now().UTC(),
		Parties:     []string{},
		Dates:       []string{},
	}

	head := text
	if len(head) > 1000 {
		head = head[:1000]
	}
	headUpper := strings.ToUpper(head)
	for _, ct := range contractTypes {
		if strings.Contains(headUpper, strings.ToUpper(ct)) {
			md.ContractType = ct
			break
		}
	}

	seen := make(map[string]bool)
	addParty := func(p string) {
		p = strings.TrimSpace(p)
		if len(p) <= 3 || len(p) >= 100 || seen[p] {
			return
		}
		seen[p] = true
		md.Parties = append(md.Parties, p)
	}
	for _, m := range firstN(betweenRe.FindAllStringSubmatch(text, -1), 2) {
		addParty(m[1])
		addParty(m[2])
	}
	for _, re := range partyRes {
		if m := re.FindStringSubmatch(text); m != nil {
			addParty(m[1])
		}
	}

	seenDate := make(map[string]bool)
	for _, re := range dateRes {
		for _, d := range re.FindAllString(text, -1) {
			d = strings.TrimSpace(d)
			if d == "" || seenDate[d] {
				continue
			}
			seenDate[d] = true
			md.Dates = append(md.Dates, d)
		}
	}
	if len(md.Dates) > 5 {
		md.Dates = md.Dates[:5]
	}

	if m := jurisdictionRe.FindStringSubmatch(text); m != nil {
		md.Jurisdiction = strings.TrimSpace(m[1])
	}
	return md
}

func firstN[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}
