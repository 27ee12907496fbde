package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

// Extractor parses the list response envelope into record stubs.
type Extractor struct{}

// NewExtractor builds an Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Extract decodes one page of list results. An empty inner list is not
// an error: it is how the source signals the end of data.
func (e *Extractor) Extract(page crawler.RawPage) ([]crawler.RecordStub, error) {
	var envelope listEnvelope
	if err := json.Unmarshal(page.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page %d: %w", page.Page, err)
	}
	stubs := make([]crawler.RecordStub, 0, len(envelope.Data.Data))
	for i, item := range envelope.Data.Data {
		if item.ID.value == "" {
			return nil, fmt.Errorf("page %d row %d: missing document id", page.Page, i)
		}
		stubs = append(stubs, crawler.RecordStub{
			ID:             item.ID.value,
			Court:          strings.TrimSpace(item.Daire),
			CaseNumber:     strings.TrimSpace(item.EsasNo),
			DecisionNumber: strings.TrimSpace(item.KararNo),
			DecisionDate:   strings.TrimSpace(item.KararTarihi),
			Status:         strings.TrimSpace(item.Durum),
		})
	}
	return stubs, nil
}

type listEnvelope struct {
	Data struct {
		Data []listItem `json:"data"`
	} `json:"data"`
}

type listItem struct {
	ID          flexID `json:"id"`
	Daire       string `json:"daire"`
	EsasNo      string `json:"esasNo"`
	KararNo     string `json:"kararNo"`
	KararTarihi string `json:"kararTarihi"`
	Durum       string `json:"durum"`
}

// flexID tolerates the id field arriving as either a JSON number or a
// string; the source has shipped both.
type flexID struct {
	value string
}

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		f.value = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		f.value = v
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", s)
	}
	f.value = n.String()
	return nil
}
