package crawler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// minExplanationChars is the shortest detail text accepted as a real
// explanation; anything shorter is treated as a transient short-read,
// which in practice precedes a CAPTCHA interstitial.
const minExplanationChars = 10

// defaultDetailWorkers bounds detail-fetch concurrency when the pool
// is built with a non-positive worker count.
const defaultDetailWorkers = 5

// DetailResult pairs a stub with its resolved explanation or the error
// that exhausted its retry budget.
type DetailResult struct {
	Stub        RecordStub
	Explanation string
	Raw         []byte
	Err         error
}

// DetailFetchPool resolves detail documents for a page's records with
// bounded concurrency. Failures are isolated per record: an exhausted
// retry budget yields the failure sentinel instead of aborting the
// page. Dispatch stops as soon as ctx is cancelled (the controller
// cancels it when a block is detected), but fetches already started
// run to completion.
type DetailFetchPool struct {
	transport Transport
	retry     *RetryExecutor
	workers   int
	logger    *zap.Logger
}

// NewDetailFetchPool builds a pool with up to workers concurrent
// fetches.
func NewDetailFetchPool(transport Transport, retry *RetryExecutor, workers int, logger *zap.Logger) *DetailFetchPool {
	if workers <= 0 {
		workers = defaultDetailWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailFetchPool{
		transport: transport,
		retry:     retry,
		workers:   workers,
		logger:    logger,
	}
}

// FetchAll resolves every stub and returns one result per stub, in
// input order. Callers re-associate by record identity, not position;
// order is preserved only as a convenience.
func (p *DetailFetchPool) FetchAll(ctx context.Context, stubs []RecordStub) []DetailResult {
	results := make([]DetailResult, len(stubs))
	if len(stubs) == 0 {
		return results
	}

	workers := p.workers
	if workers > len(stubs) {
		workers = len(stubs)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = p.fetchOne(ctx, stubs[idx])
			}
		}()
	}

	next := 0
dispatch:
	for ; next < len(stubs); next++ {
		select {
		case jobs <- next:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	// Stubs never dispatched (cancellation mid-page) carry the
	// context error so the controller can re-dispatch them after
	// recovery.
	for i := next; i < len(stubs); i++ {
		results[i] = DetailResult{
			Stub:        stubs[i],
			Explanation: FailedFetchExplanation,
			Err:         ctx.Err(),
		}
	}
	return results
}

func (p *DetailFetchPool) fetchOne(ctx context.Context, stub RecordStub) DetailResult {
	var detail RawDetail
	err := p.retry.Execute(ctx, "fetch detail", func(ctx context.Context) error {
		d, err := p.transport.FetchDetail(ctx, stub.ID)
		if err != nil {
			return err
		}
		if len(strings.TrimSpace(d.Text)) < minExplanationChars {
			return Transient(errors.New("empty or truncated detail content"))
		}
		detail = d
		return nil
	})
	if err != nil {
		DetailFailuresTotal.Inc()
		p.logger.Warn("detail fetch failed permanently",
			zap.String("case_number", stub.CaseNumber),
			zap.String("decision_number", stub.DecisionNumber),
			zap.Error(err),
		)
		return DetailResult{Stub: stub, Explanation: FailedFetchExplanation, Err: err}
	}
	return DetailResult{Stub: stub, Explanation: detail.Text, Raw: detail.HTML}
}
