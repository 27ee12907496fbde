package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ControllerConfig carries the knobs the controller owns directly.
type ControllerConfig struct {
	// FromStart ignores any existing checkpoint and crawls from page 1.
	FromStart bool
	// MaxPages bounds the run to that many pages; 0 means crawl until
	// the source runs out.
	MaxPages int
	// BlockPollInterval is how often the detector is consulted while
	// detail fetches for a page are in flight.
	BlockPollInterval time.Duration
	// PublishTopic, when set with a publisher, receives page-completed
	// and session lifecycle events.
	PublishTopic string
	// ArchiveContentType is stored with archived detail documents.
	ArchiveContentType string
}

// CrawlController owns the cursor and drives the per-page pipeline:
// fetch list, check block, extract stubs, resolve details, flush.
// The outer loop is strictly single-threaded; one transport session
// cannot be driven by concurrent callers.
type CrawlController struct {
	transport  Transport
	detector   BlockDetector
	extractor  Extractor
	retry      *RetryExecutor
	pool       *DetailFetchPool
	writer     *BatchWriter
	checkpoint CheckpointStore
	recovery   *BlockRecoveryCoordinator
	archive    ArchiveStore
	publisher  Publisher
	clock      Clock
	logger     *zap.Logger
	cfg        ControllerConfig

	sessionID string
	startedAt time.Time

	mu    sync.Mutex
	state State
	page  int

	pagesDone atomic.Int64
	records   atomic.Int64
	blocks    atomic.Int64
}

// NewCrawlController wires the collaborators into a controller. The
// archive store and publisher are optional.
func NewCrawlController(
	transport Transport,
	detector BlockDetector,
	extractor Extractor,
	retry *RetryExecutor,
	pool *DetailFetchPool,
	writer *BatchWriter,
	checkpoint CheckpointStore,
	recovery *BlockRecoveryCoordinator,
	archive ArchiveStore,
	publisher Publisher,
	clock Clock,
	cfg ControllerConfig,
	logger *zap.Logger,
) *CrawlController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BlockPollInterval <= 0 {
		cfg.BlockPollInterval = 5 * time.Second
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	return &CrawlController{
		transport:  transport,
		detector:   detector,
		extractor:  extractor,
		retry:      retry,
		pool:       pool,
		writer:     writer,
		checkpoint: checkpoint,
		recovery:   recovery,
		archive:    archive,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		state:      StateInit,
	}
}

// Progress returns a snapshot for the status endpoint.
func (c *CrawlController) Progress() Progress {
	c.mu.Lock()
	state, page := c.state, c.page
	c.mu.Unlock()
	return Progress{
		SessionID:      c.sessionID,
		State:          state,
		CurrentPage:    page,
		Checkpoint:     c.writer.Checkpoint(),
		PagesCompleted: c.pagesDone.Load(),
		Records:        c.records.Load(),
		Blocks:         c.blocks.Load(),
		StartedAt:      c.startedAt,
	}
}

// Run executes the crawl session until end-of-data, a fatal error, or
// cancellation. Every terminal path drains the batch writer first so
// partially collected records are never silently discarded. A nil
// return means the source ran out of pages (clean termination).
func (c *CrawlController) Run(ctx context.Context) error {
	c.startedAt = c.clock.Now()
	runErr := c.initSession(ctx)
	if runErr == nil {
		runErr = c.loop(ctx)
	}

	c.setState(StateDraining)
	if err := c.writer.FlushNow(ctx); err != nil && runErr == nil {
		runErr = err
	}
	c.publishEvent(ctx, "session_finished", map[string]any{
		"pages":   c.pagesDone.Load(),
		"records": c.records.Load(),
		"clean":   runErr == nil,
	})
	c.setState(StateTerminated)
	if runErr != nil {
		c.logger.Error("crawl session terminated", zap.Error(runErr))
		return runErr
	}
	c.logger.Info("crawl session finished cleanly",
		zap.Int64("pages", c.pagesDone.Load()),
		zap.Int64("records", c.records.Load()),
	)
	return nil
}

func (c *CrawlController) initSession(ctx context.Context) error {
	c.setState(StateInit)

	start := 1
	if !c.cfg.FromStart && c.checkpoint != nil {
		cp, err := c.checkpoint.Load(ctx)
		if err != nil {
			c.logger.Warn("checkpoint load failed, starting from page 1", zap.Error(err))
		} else if cp > 0 {
			start = cp + 1
		}
	}
	c.setPage(start)

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport session: %w", err)
	}
	if c.detector.Check(ctx) == Blocked {
		if err := c.recover(ctx); err != nil {
			return err
		}
	}
	if start > 1 {
		c.logger.Info("resuming from checkpoint", zap.Int("page", start))
		if err := c.transport.NavigateTo(ctx, start); err != nil {
			return Fatal(fmt.Errorf("navigate to resume page %d: %w", start, err))
		}
	}
	c.publishEvent(ctx, "session_started", map[string]any{"start_page": start})
	return nil
}

func (c *CrawlController) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.cfg.MaxPages > 0 && c.pagesDone.Load() >= int64(c.cfg.MaxPages) {
			c.logger.Info("page budget reached", zap.Int("max_pages", c.cfg.MaxPages))
			return nil
		}

		page := c.currentPage()
		c.setState(StateFetchingList)
		raw, err := c.fetchList(ctx, page)
		if err != nil {
			// A failed list fetch is how a block usually manifests;
			// consult the detector before giving up.
			if c.detector.Check(ctx) == Blocked {
				if rerr := c.recover(ctx); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}
		if c.detector.Check(ctx) == Blocked {
			if err := c.recover(ctx); err != nil {
				return err
			}
			continue
		}

		c.setState(StateExtracting)
		stubs, err := c.extractor.Extract(raw)
		if err != nil {
			return Fatal(fmt.Errorf("extract page %d: %w", page, err))
		}
		if len(stubs) == 0 {
			c.logger.Info("no records on page, end of data", zap.Int("page", page))
			return nil
		}
		c.logger.Info("extracted record stubs", zap.Int("page", page), zap.Int("records", len(stubs)))

		c.setState(StateFetchingDetails)
		records, err := c.resolveDetails(ctx, page, stubs)
		if err != nil {
			return err
		}

		c.setState(StateFlushing)
		for _, rec := range records {
			c.writer.Append(rec)
		}
		if err := c.writer.FlushIfDue(ctx); err != nil {
			return err
		}
		PagesCrawledTotal.Inc()
		RecordsExtractedTotal.Add(float64(len(records)))
		c.pagesDone.Add(1)
		c.records.Add(int64(len(records)))
		c.publishEvent(ctx, "page_completed", map[string]any{
			"page":    page,
			"records": len(records),
		})

		c.setState(StateAdvancing)
		c.setPage(page + 1)
	}
}

func (c *CrawlController) fetchList(ctx context.Context, page int) (RawPage, error) {
	var raw RawPage
	err := c.retry.Execute(ctx, "fetch page", func(ctx context.Context) error {
		p, err := c.transport.FetchPage(ctx, page)
		if err != nil {
			return err
		}
		raw = p
		return nil
	})
	if err != nil {
		return RawPage{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return raw, nil
}

// resolveDetails fans the page's stubs out to the detail pool. A
// monitor goroutine watches the detector while workers are active and
// cancels dispatch on a block; in-flight fetches finish, the block is
// waited out, and only the unresolved stubs are re-dispatched.
func (c *CrawlController) resolveDetails(ctx context.Context, page int, stubs []RecordStub) ([]Record, error) {
	results, blockedMid := c.runPoolWatched(ctx, stubs)

	if blockedMid {
		if err := c.recover(ctx); err != nil {
			return nil, err
		}
		var unresolved []RecordStub
		for _, res := range results {
			if res.Err != nil {
				unresolved = append(unresolved, res.Stub)
			}
		}
		if len(unresolved) > 0 {
			c.logger.Info("re-dispatching details interrupted by block",
				zap.Int("page", page),
				zap.Int("records", len(unresolved)),
			)
			retried := c.pool.FetchAll(ctx, unresolved)
			merged := make(map[RecordIdentity]DetailResult, len(retried))
			for _, res := range retried {
				merged[res.Stub.Identity()] = res
			}
			for i, res := range results {
				if res.Err == nil {
					continue
				}
				if again, ok := merged[res.Stub.Identity()]; ok {
					results[i] = again
				}
			}
		}
	}

	records := make([]Record, 0, len(results))
	for _, res := range results {
		c.archiveDetail(ctx, res)
		records = append(records, Record{
			Court:          res.Stub.Court,
			CaseNumber:     res.Stub.CaseNumber,
			DecisionNumber: res.Stub.DecisionNumber,
			DecisionDate:   res.Stub.DecisionDate,
			Status:         res.Stub.Status,
			Explanation:    res.Explanation,
			Page:           page,
		})
	}
	return records, nil
}

func (c *CrawlController) runPoolWatched(ctx context.Context, stubs []RecordStub) ([]DetailResult, bool) {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var blocked atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.BlockPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-poolCtx.Done():
				return
			case <-ticker.C:
				if c.detector.Check(poolCtx) == Blocked {
					blocked.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	results := c.pool.FetchAll(poolCtx, stubs)
	close(stop)
	wg.Wait()
	return results, blocked.Load()
}

func (c *CrawlController) recover(ctx context.Context) error {
	c.setState(StateBlocked)
	c.blocks.Add(1)
	BlocksDetectedTotal.Inc()

	c.setState(StateRecovering)
	page := c.currentPage()
	result, err := c.recovery.AwaitRecovery(ctx, page)
	if err != nil {
		return Fatal(err)
	}
	RecoveriesTotal.Inc()

	if result.ResumePage != page {
		c.logger.Warn("session position moved during recovery",
			zap.Int("detected_page", result.ResumePage),
			zap.Int("target_page", page),
		)
		if err := c.transport.NavigateTo(ctx, page); err != nil {
			return Fatal(fmt.Errorf("re-navigate to page %d after recovery: %w", page, err))
		}
	}
	return nil
}

func (c *CrawlController) archiveDetail(ctx context.Context, res DetailResult) {
	if c.archive == nil || len(res.Raw) == 0 {
		return
	}
	name := fmt.Sprintf("%s.html", res.Stub.ID)
	if _, err := c.archive.Put(ctx, name, c.cfg.ArchiveContentType, res.Raw); err != nil {
		c.logger.Warn("archive detail document failed",
			zap.String("id", res.Stub.ID),
			zap.Error(err),
		)
	}
}

func (c *CrawlController) publishEvent(ctx context.Context, kind string, fields map[string]any) {
	if c.publisher == nil || c.cfg.PublishTopic == "" {
		return
	}
	payload := map[string]any{
		"session_id": c.sessionID,
		"event":      kind,
		"timestamp":  c.clock.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.PublishTopic, payload); err != nil {
		c.logger.Warn("publish event failed", zap.String("event", kind), zap.Error(err))
	}
}

func (c *CrawlController) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *CrawlController) setPage(page int) {
	c.mu.Lock()
	c.page = page
	c.mu.Unlock()
}

func (c *CrawlController) currentPage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}
