package crawler

import (
	"context"
	"sync"
	"time"
)

// realClock backs tests that use genuinely short waits.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// fakeTransport scripts transport behavior through function fields;
// unset fields behave as benign no-ops.
type fakeTransport struct {
	startFn       func(ctx context.Context) error
	fetchPageFn   func(ctx context.Context, page int) (RawPage, error)
	fetchDetailFn func(ctx context.Context, id string) (RawDetail, error)
	navigateFn    func(ctx context.Context, page int) error
	currentPageFn func(ctx context.Context) (int, error)

	mu         sync.Mutex
	pageCalls  []int
	navCalls   []int
	detailIDs  []string
	startCalls int
}

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.startCalls++
	t.mu.Unlock()
	if t.startFn != nil {
		return t.startFn(ctx)
	}
	return nil
}

func (t *fakeTransport) FetchPage(ctx context.Context, page int) (RawPage, error) {
	t.mu.Lock()
	t.pageCalls = append(t.pageCalls, page)
	t.mu.Unlock()
	if t.fetchPageFn != nil {
		return t.fetchPageFn(ctx, page)
	}
	return RawPage{Page: page}, nil
}

func (t *fakeTransport) FetchDetail(ctx context.Context, id string) (RawDetail, error) {
	t.mu.Lock()
	t.detailIDs = append(t.detailIDs, id)
	t.mu.Unlock()
	if t.fetchDetailFn != nil {
		return t.fetchDetailFn(ctx, id)
	}
	return RawDetail{ID: id, Text: "resolved explanation text"}, nil
}

func (t *fakeTransport) NavigateTo(ctx context.Context, page int) error {
	t.mu.Lock()
	t.navCalls = append(t.navCalls, page)
	t.mu.Unlock()
	if t.navigateFn != nil {
		return t.navigateFn(ctx, page)
	}
	return nil
}

func (t *fakeTransport) CurrentPage(ctx context.Context) (int, error) {
	if t.currentPageFn != nil {
		return t.currentPageFn(ctx)
	}
	return 1, nil
}

func (t *fakeTransport) Close(context.Context) error { return nil }

func (t *fakeTransport) fetchedPages() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.pageCalls))
	copy(out, t.pageCalls)
	return out
}

func (t *fakeTransport) navigatedPages() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.navCalls))
	copy(out, t.navCalls)
	return out
}

// fakeDetector returns scripted verdicts in order, then stays on the
// last one.
type fakeDetector struct {
	mu     sync.Mutex
	script []Verdict
	pos    int
	checks int
}

func newFakeDetector(script ...Verdict) *fakeDetector {
	if len(script) == 0 {
		script = []Verdict{Clear}
	}
	return &fakeDetector{script: script}
}

func (d *fakeDetector) Check(context.Context) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	v := d.script[d.pos]
	if d.pos < len(d.script)-1 {
		d.pos++
	}
	return v
}

// fnExtractor adapts a function to the Extractor interface.
type fnExtractor func(page RawPage) ([]RecordStub, error)

func (f fnExtractor) Extract(page RawPage) ([]RecordStub, error) { return f(page) }

// memorySink records writes and optionally fails them.
type memorySink struct {
	mu       sync.Mutex
	writes   [][]Record
	modes    []WriteMode
	writeErr error
}

func (s *memorySink) Write(_ context.Context, records []Record, mode WriteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	s.writes = append(s.writes, batch)
	s.modes = append(s.modes, mode)
	return nil
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, batch := range s.writes {
		out = append(out, batch...)
	}
	return out
}

// memoryFallback records fallback writes and optionally fails them.
type memoryFallback struct {
	mu       sync.Mutex
	batches  [][]Record
	writeErr error
}

func (f *memoryFallback) WriteFallback(_ context.Context, records []Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return "", f.writeErr
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return "memory://fallback", nil
}

func (f *memoryFallback) all() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, batch := range f.batches {
		out = append(out, batch...)
	}
	return out
}

// memoryCheckpoint is an in-memory CheckpointStore.
type memoryCheckpoint struct {
	mu      sync.Mutex
	page    int
	saves   []int
	loadErr error
	saveErr error
}

func (c *memoryCheckpoint) Load(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return 0, c.loadErr
	}
	return c.page, nil
}

func (c *memoryCheckpoint) Save(_ context.Context, page int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.page = page
	c.saves = append(c.saves, page)
	return nil
}

func (c *memoryCheckpoint) saved() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.saves))
	copy(out, c.saves)
	return out
}

func stubsForPage(page, count int) []RecordStub {
	stubs := make([]RecordStub, 0, count)
	for i := 0; i < count; i++ {
		stubs = append(stubs, RecordStub{
			ID:             pageStubID(page, i),
			Court:          "1. Hukuk Dairesi",
			CaseNumber:     pageStubID(page, i),
			DecisionNumber: "2022/" + pageStubID(page, i),
			DecisionDate:   "2022-01-05",
			Status:         "KESINLESTI",
		})
	}
	return stubs
}

func pageStubID(page, i int) string {
	return "p" + string(rune('0'+page)) + "r" + string(rune('0'+i))
}

func quickRetry() *RetryExecutor {
	return NewRetryExecutor(RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Kind:       BackoffLinear,
	}, nil)
}

// memoryArchive records archived detail documents.
type memoryArchive struct {
	mu   sync.Mutex
	puts []archivedDoc
}

type archivedDoc struct {
	name        string
	contentType string
	data        []byte
}

func (a *memoryArchive) Put(_ context.Context, name string, contentType string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc := archivedDoc{name: name, contentType: contentType, data: append([]byte(nil), data...)}
	a.puts = append(a.puts, doc)
	return "memory://archive/" + name, nil
}

func (a *memoryArchive) docs() []archivedDoc {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]archivedDoc, len(a.puts))
	copy(out, a.puts)
	return out
}
