// Package api implements the Transport against the source's JSON
// search endpoints, driving one cookie-jar session with Colly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

// Config controls the API session.
type Config struct {
	BaseURL    string
	SearchTerm string
	PageSize   int
	UserAgent  string
	Timeout    time.Duration
}

func (c Config) normalized() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://emsal.uyap.gov.tr"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SearchTerm == "" {
		c.SearchTerm = "Hukuk"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Transport drives the JSON search API. The session lives in a shared
// cookie jar; every request runs on a collector clone so the per-call
// hooks never race, which keeps concurrent detail fetches safe.
type Transport struct {
	cfg    Config
	base   *colly.Collector
	jar    http.CookieJar
	logger *zap.Logger

	mu       sync.Mutex
	current  int
	lastURL  string
	lastBody []byte
}

// New builds a Transport.
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Transport{
		cfg:    cfg,
		base:   c,
		jar:    jar,
		logger: logger,
	}, nil
}

// Start seeds the session cookies and submits the search that opens
// pagination.
func (t *Transport) Start(ctx context.Context) error {
	if _, err := t.get(ctx, t.cfg.BaseURL+"/index", false); err != nil {
		return fmt.Errorf("seed session: %w", err)
	}
	payload, err := json.Marshal(searchRequest{Data: searchData{
		Aranan:       t.cfg.SearchTerm,
		ArananKelime: t.cfg.SearchTerm,
	}})
	if err != nil {
		return fmt.Errorf("marshal search payload: %w", err)
	}
	if _, err := t.post(ctx, t.cfg.BaseURL+"/arama", payload); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	t.mu.Lock()
	t.current = 1
	t.mu.Unlock()
	t.logger.Info("api session established", zap.String("search_term", t.cfg.SearchTerm))
	return nil
}

// FetchPage requests one page of the result list.
func (t *Transport) FetchPage(ctx context.Context, page int) (crawler.RawPage, error) {
	payload, err := json.Marshal(listRequest{Data: listData{
		Aranan:       t.cfg.SearchTerm,
		ArananKelime: t.cfg.SearchTerm,
		PageSize:     t.cfg.PageSize,
		PageNumber:   page,
	}})
	if err != nil {
		return crawler.RawPage{}, fmt.Errorf("marshal page request: %w", err)
	}
	url := t.cfg.BaseURL + "/aramalist"
	body, err := t.post(ctx, url, payload)
	if err != nil {
		return crawler.RawPage{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	t.mu.Lock()
	t.current = page
	t.mu.Unlock()
	return crawler.RawPage{Page: page, URL: url, Body: body}, nil
}

// FetchDetail requests one decision document and reduces it to text.
func (t *Transport) FetchDetail(ctx context.Context, id string) (crawler.RawDetail, error) {
	url := t.cfg.BaseURL + "/getDokuman?id=" + id
	body, err := t.get(ctx, url, true)
	if err != nil {
		return crawler.RawDetail{}, fmt.Errorf("fetch document %s: %w", id, err)
	}
	var envelope docEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return crawler.RawDetail{}, crawler.Transient(fmt.Errorf("decode document %s: %w", id, err))
	}
	return crawler.RawDetail{
		ID:   id,
		HTML: []byte(envelope.Data),
		Text: htmlToText(envelope.Data),
	}, nil
}

// NavigateTo is bookkeeping only: the API supports random access, so
// the next FetchPage call lands wherever the cursor points.
func (t *Transport) NavigateTo(_ context.Context, page int) error {
	t.mu.Lock()
	t.current = page
	t.mu.Unlock()
	return nil
}

// CurrentPage reports the page of the last successful list fetch.
func (t *Transport) CurrentPage(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current <= 0 {
		return 0, fmt.Errorf("no page fetched yet")
	}
	return t.current, nil
}

// Close is a no-op; the session is only cookies.
func (t *Transport) Close(_ context.Context) error { return nil }

// Snapshot exposes the last list response for block detection.
func (t *Transport) Snapshot() (string, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL, t.lastBody
}

func (t *Transport) get(ctx context.Context, url string, record bool) ([]byte, error) {
	return t.run(ctx, url, record, func(c *colly.Collector) error {
		return c.Visit(url)
	})
}

func (t *Transport) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	return t.run(ctx, url, true, func(c *colly.Collector) error {
		return c.PostRaw(url, payload)
	})
}

// run executes one request on a collector clone wired to the shared
// cookie jar, honoring ctx the way the upstream collector cannot.
func (t *Transport) run(ctx context.Context, url string, record bool, visit func(*colly.Collector) error) ([]byte, error) {
	collector := t.base.Clone()
	collector.AllowURLRevisit = true
	collector.SetCookieJar(t.jar)
	collector.SetRequestTimeout(t.cfg.Timeout)
	collector.WithTransport(newHTTPTransport())

	var (
		body     []byte
		finalURL string
		status   int
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		r.Headers.Set("Content-Type", "application/json; charset=UTF-8")
		r.Headers.Set("Referer", t.cfg.BaseURL+"/index")
		r.Headers.Set("X-Requested-With", "XMLHttpRequest")
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- visit(collector)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil && fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return nil, classify(status, fmt.Errorf("%s: %w", url, err))
		}
	}

	if record {
		t.mu.Lock()
		t.lastURL = finalURL
		t.lastBody = body
		t.mu.Unlock()
	}
	return body, nil
}

// classify maps throttling statuses to transient errors so the retry
// executor backs off instead of giving up.
func classify(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status >= 500:
		return crawler.Transient(err)
	default:
		return err
	}
}

func htmlToText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(doc.Text())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

type searchRequest struct {
	Data searchData `json:"data"`
}

type searchData struct {
	Aranan       string `json:"aranan"`
	ArananKelime string `json:"arananKelime"`
}

type listRequest struct {
	Data listData `json:"data"`
}

type listData struct {
	Aranan       string `json:"aranan"`
	ArananKelime string `json:"arananKelime"`
	PageSize     int    `json:"pageSize"`
	PageNumber   int    `json:"pageNumber"`
}

type docEnvelope struct {
	Data string `json:"data"`
}
