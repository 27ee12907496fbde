package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pagedExtractor(lastPage, perPage int) Extractor {
	return fnExtractor(func(page RawPage) ([]RecordStub, error) {
		if page.Page > lastPage {
			return nil, nil
		}
		return stubsForPage(page.Page, perPage), nil
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []map[string]any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(map[string]any))
	return "msg-1", nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev["event"].(string))
	}
	return out
}

type controllerFixture struct {
	tr   *fakeTransport
	det  *fakeDetector
	sink *memorySink
	fb   *memoryFallback
	cp   *memoryCheckpoint
	pub  *recordingPublisher
	arch *memoryArchive
}

func (f *controllerFixture) build(ext Extractor, threshold int, cfg ControllerConfig) *CrawlController {
	if f.tr == nil {
		f.tr = &fakeTransport{}
	}
	if f.det == nil {
		f.det = newFakeDetector(Clear)
	}
	if f.sink == nil {
		f.sink = &memorySink{}
	}
	if f.fb == nil {
		f.fb = &memoryFallback{}
	}
	if f.cp == nil {
		f.cp = &memoryCheckpoint{}
	}
	if cfg.BlockPollInterval == 0 {
		cfg.BlockPollInterval = time.Minute
	}
	var pub Publisher
	if f.pub != nil {
		pub = f.pub
		if cfg.PublishTopic == "" {
			cfg.PublishTopic = "crawl-events"
		}
	}
	var arch ArchiveStore
	if f.arch != nil {
		arch = f.arch
	}
	retry := quickRetry()
	pool := NewDetailFetchPool(f.tr, retry, 2, nil)
	writer := NewBatchWriter(f.sink, f.fb, f.cp, threshold, cfg.FromStart, nil)
	recovery := NewBlockRecoveryCoordinator(f.det, f.tr, fastRecovery(), realClock{}, nil)
	return NewCrawlController(
		f.tr, f.det, ext, retry, pool, writer, f.cp, recovery,
		arch, pub, realClock{}, cfg, nil,
	)
}

func identities(records []Record) map[RecordIdentity]int {
	out := map[RecordIdentity]int{}
	for _, rec := range records {
		out[rec.Identity()]++
	}
	return out
}

func TestRunCrawlsToEndOfData(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{}
	c := fx.build(pagedExtractor(3, 2), 4, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []int{1, 2, 3, 4}, fx.tr.fetchedPages())
	all := fx.sink.all()
	require.Len(t, all, 6)
	for id, n := range identities(all) {
		require.Equal(t, 1, n, "record %v written more than once", id)
	}
	require.Equal(t, []int{2, 3}, fx.cp.saved())
	require.Equal(t, StateTerminated, c.Progress().State)
	require.Equal(t, int64(3), c.Progress().PagesCompleted)
	require.Equal(t, int64(6), c.Progress().Records)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{cp: &memoryCheckpoint{page: 4}}
	c := fx.build(pagedExtractor(6, 2), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []int{5, 6, 7}, fx.tr.fetchedPages())
	require.Equal(t, []int{5}, fx.tr.navigatedPages())
	all := fx.sink.all()
	require.Len(t, all, 4)
	for _, rec := range all {
		require.GreaterOrEqual(t, rec.Page, 5)
	}
}

func TestRunFromStartIgnoresCheckpoint(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{cp: &memoryCheckpoint{page: 4}}
	c := fx.build(pagedExtractor(2, 1), 100, ControllerConfig{FromStart: true})

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []int{1, 2, 3}, fx.tr.fetchedPages())
	require.Empty(t, fx.tr.navigatedPages())
	require.Equal(t, []WriteMode{ModeCreate}, fx.sink.modes)
}

func TestRunRecoversFromBlockOnListFetch(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{
		det: newFakeDetector(Clear, Clear, Blocked, Clear),
		tr:  &fakeTransport{currentPageFn: func(context.Context) (int, error) { return 2, nil }},
	}
	c := fx.build(pagedExtractor(2, 2), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []int{1, 2, 2, 3}, fx.tr.fetchedPages())
	all := fx.sink.all()
	require.Len(t, all, 4)
	for id, n := range identities(all) {
		require.Equal(t, 1, n, "record %v duplicated across the block", id)
	}
	require.Equal(t, int64(1), c.Progress().Blocks)
}

func TestRunRenavigatesWhenRecoveryMovesSession(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{
		det: newFakeDetector(Clear, Clear, Blocked, Clear),
		tr:  &fakeTransport{currentPageFn: func(context.Context) (int, error) { return 1, nil }},
	}
	c := fx.build(pagedExtractor(2, 1), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []int{2}, fx.tr.navigatedPages())
}

func TestRunBlockDuringDetailsRedispatchesUnresolved(t *testing.T) {
	t.Parallel()
	// The first two fetches pin both workers past the monitor's poll so
	// the remaining stubs are still undispatched when the block lands.
	var fetches atomic.Int32
	tr := &fakeTransport{
		currentPageFn: func(context.Context) (int, error) { return 1, nil },
	}
	tr.fetchDetailFn = func(ctx context.Context, id string) (RawDetail, error) {
		if fetches.Add(1) <= 2 {
			time.Sleep(40 * time.Millisecond)
		}
		return RawDetail{ID: id, Text: "resolved explanation text"}, nil
	}
	fx := &controllerFixture{
		tr:  tr,
		det: newFakeDetector(Clear, Clear, Blocked, Clear),
	}
	c := fx.build(pagedExtractor(1, 4), 100, ControllerConfig{BlockPollInterval: 5 * time.Millisecond})

	require.NoError(t, c.Run(context.Background()))

	all := fx.sink.all()
	require.Len(t, all, 4)
	for _, rec := range all {
		require.Equal(t, "resolved explanation text", rec.Explanation)
		require.Equal(t, 1, rec.Page)
	}
	for id, n := range identities(all) {
		require.Equal(t, 1, n, "record %v duplicated across re-dispatch", id)
	}
	require.Equal(t, int64(1), c.Progress().Blocks)
}

func TestRunSinkFailureDivertsToFallback(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{sink: &memorySink{writeErr: errors.New("db down")}}
	c := fx.build(pagedExtractor(2, 2), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	require.Len(t, fx.fb.all(), 4)
	require.Empty(t, fx.cp.saved(), "checkpoint must not advance past a fallback write")
}

func TestRunStopsAtPageBudget(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{}
	c := fx.build(pagedExtractor(1000, 1), 100, ControllerConfig{MaxPages: 2})

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []int{1, 2}, fx.tr.fetchedPages())
	require.Equal(t, int64(2), c.Progress().PagesCompleted)
}

func TestRunRecoveryTimeoutIsFatal(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{det: newFakeDetector(Blocked)}
	c := fx.build(pagedExtractor(1, 1), 100, ControllerConfig{})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrRecoveryTimeout)
	require.True(t, IsFatal(err))
}

func TestRunExtractionErrorIsFatal(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{}
	ext := fnExtractor(func(RawPage) ([]RecordStub, error) {
		return nil, errors.New("layout changed")
	})
	c := fx.build(ext, 100, ControllerConfig{})

	err := c.Run(context.Background())
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Contains(t, err.Error(), "layout changed")
}

func TestRunDrainsBufferOnFatalError(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{}
	calls := 0
	ext := fnExtractor(func(page RawPage) ([]RecordStub, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("layout changed")
		}
		return stubsForPage(page.Page, 2), nil
	})
	c := fx.build(ext, 100, ControllerConfig{})

	require.Error(t, c.Run(context.Background()))
	require.Len(t, fx.sink.all(), 2, "page 1 records must survive the failure")
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{pub: &recordingPublisher{}}
	c := fx.build(pagedExtractor(2, 1), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	kinds := fx.pub.kinds()
	require.Equal(t, []string{"session_started", "page_completed", "page_completed", "session_finished"}, kinds)
	last := fx.pub.events[len(fx.pub.events)-1]
	require.Equal(t, true, last["clean"])
	require.NotEmpty(t, last["session_id"])
}

func TestRunCancelledContextStopsLoop(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{}
	ctx, cancel := context.WithCancel(context.Background())
	pages := 0
	fx.tr = &fakeTransport{fetchPageFn: func(_ context.Context, page int) (RawPage, error) {
		pages++
		if pages == 2 {
			cancel()
		}
		return RawPage{Page: page}, nil
	}}
	c := fx.build(pagedExtractor(1000, 1), 100, ControllerConfig{})

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.LessOrEqual(t, pages, 3)
}

func TestRunArchivesDetailDocuments(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{
		tr: &fakeTransport{
			fetchDetailFn: func(_ context.Context, id string) (RawDetail, error) {
				return RawDetail{
					ID:   id,
					Text: "resolved explanation text",
					HTML: []byte("<html>" + id + "</html>"),
				}, nil
			},
		},
		arch: &memoryArchive{},
	}
	c := fx.build(pagedExtractor(1, 2), 100, ControllerConfig{
		ArchiveContentType: "application/xhtml+xml",
	})

	require.NoError(t, c.Run(context.Background()))

	docs := fx.arch.docs()
	require.Len(t, docs, 2)
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		names = append(names, doc.name)
		require.Equal(t, "application/xhtml+xml", doc.contentType)
		require.NotEmpty(t, doc.data)
	}
	require.ElementsMatch(t, []string{"p1r0.html", "p1r1.html"}, names)
}

func TestArchiveContentTypeDefaults(t *testing.T) {
	t.Parallel()
	fx := &controllerFixture{
		tr: &fakeTransport{
			fetchDetailFn: func(_ context.Context, id string) (RawDetail, error) {
				return RawDetail{ID: id, Text: "resolved explanation text", HTML: []byte("<p>x</p>")}, nil
			},
		},
		arch: &memoryArchive{},
	}
	c := fx.build(pagedExtractor(1, 1), 100, ControllerConfig{})

	require.NoError(t, c.Run(context.Background()))

	docs := fx.arch.docs()
	require.Len(t, docs, 1)
	require.Equal(t, "text/html; charset=utf-8", docs[0].contentType)
}
