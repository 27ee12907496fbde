package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

func newFakeSource(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var searches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123"})
		fmt.Fprint(w, "<html><body>search</body></html>")
	})
	mux.HandleFunc("/arama", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "abc123" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		searches.Add(1)
		fmt.Fprint(w, `{"data":{"recordsTotal":42}}`)
	})
	mux.HandleFunc("/aramalist", func(w http.ResponseWriter, r *http.Request) {
		var req listRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Data.PageNumber >= 3 {
			fmt.Fprint(w, `{"data":{"data":[]}}`)
			return
		}
		fmt.Fprintf(w, `{"data":{"data":[
			{"id":%d,"daire":"1. Hukuk Dairesi","esasNo":"2021/%d","kararNo":"2022/%d","kararTarihi":"2022-03-01","durum":"KESINLESTI"},
			{"id":"doc-%d","daire":"2. Hukuk Dairesi","esasNo":"2021/9%d","kararNo":"2022/9%d","kararTarihi":"2022-03-02","durum":"KESINLESTI"}
		]}}`, req.Data.PageNumber*100, req.Data.PageNumber, req.Data.PageNumber,
			req.Data.PageNumber, req.Data.PageNumber, req.Data.PageNumber)
	})
	mux.HandleFunc("/getDokuman", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		doc := fmt.Sprintf("<div id=\"kararAlani\"><p>Gerekçeli karar metni %s</p></div>", id)
		_ = json.NewEncoder(w).Encode(map[string]string{"data": doc})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &searches
}

func newTestTransport(t *testing.T, baseURL string) *Transport {
	t.Helper()
	tr, err := New(Config{BaseURL: baseURL, SearchTerm: "Hukuk", PageSize: 2}, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func TestTransportStartEstablishesSession(t *testing.T) {
	t.Parallel()
	srv, searches := newFakeSource(t)
	tr := newTestTransport(t, srv.URL)

	require.NoError(t, tr.Start(context.Background()))
	require.Equal(t, int32(1), searches.Load())

	page, err := tr.CurrentPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, page)
}

func TestTransportFetchPageAndExtract(t *testing.T) {
	t.Parallel()
	srv, _ := newFakeSource(t)
	tr := newTestTransport(t, srv.URL)
	require.NoError(t, tr.Start(context.Background()))

	raw, err := tr.FetchPage(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, raw.Page)

	stubs, err := NewExtractor().Extract(raw)
	require.NoError(t, err)
	require.Len(t, stubs, 2)
	require.Equal(t, "200", stubs[0].ID)
	require.Equal(t, "doc-2", stubs[1].ID)
	require.Equal(t, "1. Hukuk Dairesi", stubs[0].Court)
	require.Equal(t, "2021/2", stubs[0].CaseNumber)

	url, body := tr.Snapshot()
	require.Contains(t, url, "/aramalist")
	require.NotEmpty(t, body)
}

func TestTransportFetchPagePastEndIsEmpty(t *testing.T) {
	t.Parallel()
	srv, _ := newFakeSource(t)
	tr := newTestTransport(t, srv.URL)
	require.NoError(t, tr.Start(context.Background()))

	raw, err := tr.FetchPage(context.Background(), 3)
	require.NoError(t, err)
	stubs, err := NewExtractor().Extract(raw)
	require.NoError(t, err)
	require.Empty(t, stubs)
}

func TestTransportFetchDetailReducesHTML(t *testing.T) {
	t.Parallel()
	srv, _ := newFakeSource(t)
	tr := newTestTransport(t, srv.URL)
	require.NoError(t, tr.Start(context.Background()))

	detail, err := tr.FetchDetail(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, "doc-1", detail.ID)
	require.Contains(t, string(detail.HTML), "kararAlani")
	require.Contains(t, detail.Text, "Gerekçeli karar metni doc-1")
	require.NotContains(t, detail.Text, "<div")
}

func TestTransportServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	tr := newTestTransport(t, srv.URL)

	_, err := tr.FetchPage(context.Background(), 1)
	require.Error(t, err)
	require.False(t, crawler.IsFatal(err))
}

func TestTransportNavigateToMovesCursor(t *testing.T) {
	t.Parallel()
	srv, _ := newFakeSource(t)
	tr := newTestTransport(t, srv.URL)
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.NavigateTo(context.Background(), 7))
	page, err := tr.CurrentPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, page)
}

func TestExtractorRejectsMissingID(t *testing.T) {
	t.Parallel()
	raw := crawler.RawPage{Page: 1, Body: []byte(`{"data":{"data":[{"daire":"X"}]}}`)}
	_, err := NewExtractor().Extract(raw)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing document id")
}

func TestExtractorRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	_, err := NewExtractor().Extract(crawler.RawPage{Page: 1, Body: []byte("<html>block</html>")})
	require.Error(t, err)
}
