// Package headless implements the Transport against the rendered
// search UI, driving a real browser through the DevTools protocol.
// The UI only exposes a next-page button, so page navigation is
// strictly forward from wherever the session currently sits.
package headless

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

const (
	resultsTableSel = "#detayAramaSonuclar"
	nextButtonSel   = "#detayAramaSonuclar_next"
	pageInfoSel     = ".dataTables_info"
	detailSel       = "#kararAlani"
	searchInputSel  = "#aranan"
)

var pageInfoRe = regexp.MustCompile(`(?i)page\s+(\d+)`)

// Config controls the browser session.
type Config struct {
	BaseURL    string
	SearchTerm string
	UserAgent  string
	Headless   bool
	NavTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://emsal.uyap.gov.tr"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SearchTerm == "" {
		c.SearchTerm = "Hukuk"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	return c
}

// Transport drives the rendered UI in a headless browser. Detail
// fetches click into the open page, so callers must not run them
// concurrently; the crawl wiring pins the detail pool to one worker
// for this transport.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tab         context.Context
	current     int
	lastURL     string
	lastBody    []byte
}

// New builds a Transport. The browser starts on Start, not here.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg.normalized(), logger: logger}
}

// Start launches the browser, opens the search page, and submits the
// configured term so the result table is on screen.
func (t *Transport) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", t.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1400, 900),
	)
	if t.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(t.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	actions := []chromedp.Action{
		chromedp.Evaluate(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`, nil),
		emulation.SetTimezoneOverride("Europe/Istanbul"),
		chromedp.Navigate(t.cfg.BaseURL + "/index"),
		chromedp.WaitVisible(searchInputSel, chromedp.ByQuery),
		chromedp.SendKeys(searchInputSel, t.cfg.SearchTerm+"\n", chromedp.ByQuery),
		chromedp.WaitVisible(resultsTableSel, chromedp.ByQuery),
	}
	if err := t.runOn(ctx, tab, actions...); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("open search session: %w", err)
	}

	t.mu.Lock()
	t.allocCancel = allocCancel
	t.tabCancel = tabCancel
	t.tab = tab
	t.current = 1
	t.mu.Unlock()
	t.logger.Info("browser session established", zap.String("search_term", t.cfg.SearchTerm))
	return nil
}

// FetchPage walks forward to the requested page and snapshots the
// result table. Asking for a page behind the cursor is an error; the
// UI has no back button worth trusting.
func (t *Transport) FetchPage(ctx context.Context, page int) (crawler.RawPage, error) {
	tab, cur, err := t.session()
	if err != nil {
		return crawler.RawPage{}, err
	}
	if page < cur {
		return crawler.RawPage{}, fmt.Errorf("cannot page backwards from %d to %d", cur, page)
	}
	for cur < page {
		if err := t.clickNext(ctx, tab); err != nil {
			return crawler.RawPage{}, fmt.Errorf("advance to page %d: %w", page, err)
		}
		cur++
	}

	var html, url string
	err = t.runOn(ctx, tab,
		chromedp.WaitVisible(resultsTableSel, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&url),
	)
	if err != nil {
		return crawler.RawPage{}, fmt.Errorf("snapshot page %d: %w", page, err)
	}

	body := []byte(html)
	t.mu.Lock()
	t.current = page
	t.lastURL = url
	t.lastBody = body
	t.mu.Unlock()
	return crawler.RawPage{Page: page, URL: url, Body: body}, nil
}

// FetchDetail opens the row identified by its 1-based position on the
// displayed page, reads the decision body, and closes the detail
// overlay again.
func (t *Transport) FetchDetail(ctx context.Context, id string) (crawler.RawDetail, error) {
	row, err := strconv.Atoi(id)
	if err != nil || row < 1 {
		return crawler.RawDetail{}, crawler.Fatal(fmt.Errorf("bad row handle %q", id))
	}
	tab, _, err := t.session()
	if err != nil {
		return crawler.RawDetail{}, err
	}

	rowSel := fmt.Sprintf("%s tbody tr:nth-child(%d)", resultsTableSel, row)
	var html, text string
	err = t.runOn(ctx, tab,
		chromedp.Click(rowSel, chromedp.ByQuery),
		chromedp.WaitVisible(detailSel, chromedp.ByQuery),
		chromedp.OuterHTML(detailSel, &html, chromedp.ByQuery),
		chromedp.Text(detailSel, &text, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.RawDetail{}, fmt.Errorf("open detail row %d: %w", row, err)
	}
	return crawler.RawDetail{ID: id, HTML: []byte(html), Text: strings.TrimSpace(text)}, nil
}

// NavigateTo clicks forward until the pagination widget reports the
// requested page. After a recovery the widget may have reset, so the
// walk re-reads the displayed page before every click.
func (t *Transport) NavigateTo(ctx context.Context, page int) error {
	tab, _, err := t.session()
	if err != nil {
		return err
	}
	for {
		cur, err := t.readDisplayedPage(ctx, tab)
		if err != nil {
			return fmt.Errorf("navigate to page %d: %w", page, err)
		}
		switch {
		case cur == page:
			t.mu.Lock()
			t.current = page
			t.mu.Unlock()
			return nil
		case cur > page:
			return fmt.Errorf("cannot page backwards from %d to %d", cur, page)
		}
		if err := t.clickNext(ctx, tab); err != nil {
			return fmt.Errorf("navigate to page %d: %w", page, err)
		}
	}
}

// CurrentPage reads the page number out of the pagination widget.
func (t *Transport) CurrentPage(ctx context.Context) (int, error) {
	tab, _, err := t.session()
	if err != nil {
		return 0, err
	}
	return t.readDisplayedPage(ctx, tab)
}

// Close tears the browser down.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tabCancel != nil {
		t.tabCancel()
		t.tabCancel = nil
	}
	if t.allocCancel != nil {
		t.allocCancel()
		t.allocCancel = nil
	}
	t.tab = nil
	return nil
}

// Snapshot exposes the last rendered page for block detection.
func (t *Transport) Snapshot() (string, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL, t.lastBody
}

func (t *Transport) session() (context.Context, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tab == nil {
		return nil, 0, fmt.Errorf("browser not started")
	}
	return t.tab, t.current, nil
}

func (t *Transport) clickNext(ctx context.Context, tab context.Context) error {
	return t.runOn(ctx, tab,
		chromedp.Click(nextButtonSel, chromedp.ByQuery),
		chromedp.WaitVisible(resultsTableSel, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)
}

func (t *Transport) readDisplayedPage(ctx context.Context, tab context.Context) (int, error) {
	var info string
	if err := t.runOn(ctx, tab, chromedp.Text(pageInfoSel, &info, chromedp.ByQuery)); err != nil {
		return 0, err
	}
	return ParsePageInfo(info)
}

// runOn runs actions on the browser tab with the caller's deadline
// layered on top, so a canceled crawl interrupts a hung navigation.
func (t *Transport) runOn(ctx context.Context, tab context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(tab, t.cfg.NavTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, actions...)
	}()
	select {
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("browser action canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.Transient(err)
		}
		return nil
	}
}

// ParsePageInfo pulls the current page number out of the pagination
// widget text, e.g. "Showing page 4 of 120".
func ParsePageInfo(info string) (int, error) {
	m := pageInfoRe.FindStringSubmatch(info)
	if m == nil {
		return 0, fmt.Errorf("no page number in %q", strings.TrimSpace(info))
	}
	return strconv.Atoi(m[1])
}
