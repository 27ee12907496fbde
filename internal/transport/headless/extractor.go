package headless

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

// Extractor scrapes record stubs out of the rendered result table.
// The UI carries no stable document id, so the stub handle is the
// row's 1-based position on the displayed page, which is exactly what
// FetchDetail needs to click it open.
type Extractor struct{}

// NewExtractor builds an Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Extract parses one rendered page into stubs. An empty table body
// signals the end of data.
func (e *Extractor) Extract(page crawler.RawPage) ([]crawler.RecordStub, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %d: %w", page.Page, err)
	}
	table := doc.Find(resultsTableSel)
	if table.Length() == 0 {
		return nil, fmt.Errorf("page %d: result table missing", page.Page)
	}

	var stubs []crawler.RecordStub
	var parseErr error
	table.Find("tbody tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() == 1 && strings.Contains(strings.ToLower(cellText(cells, 0)), "no matching") {
			return false
		}
		if cells.Length() < 5 {
			parseErr = fmt.Errorf("page %d row %d: want 5 cells, got %d", page.Page, i+1, cells.Length())
			return false
		}
		stubs = append(stubs, crawler.RecordStub{
			ID:             strconv.Itoa(i + 1),
			Court:          cellText(cells, 0),
			CaseNumber:     cellText(cells, 1),
			DecisionNumber: cellText(cells, 2),
			DecisionDate:   cellText(cells, 3),
			Status:         cellText(cells, 4),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return stubs, nil
}

func cellText(cells *goquery.Selection, i int) string {
	return strings.TrimSpace(cells.Eq(i).Text())
}
