package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// defaultBatchThreshold is pages-per-batch (2) times the source's page
// size (10 records).
const defaultBatchThreshold = 20

// BatchWriter accumulates records and flushes them to the sink in
// bounded batches. The checkpoint advances only after a successful
// primary flush; a failed flush is diverted to the fallback writer so
// partially collected work survives the session. Only the controller's
// goroutine touches the writer, so it carries no locking.
type BatchWriter struct {
	sink       RecordSink
	fallback   FallbackWriter
	checkpoint CheckpointStore
	threshold  int
	logger     *zap.Logger

	buf          []Record
	mode         WriteMode
	checkpointed int
}

// NewBatchWriter builds a writer. fresh selects ModeCreate for the
// first flush (a --from-start run); resumed sessions always append.
func NewBatchWriter(
	sink RecordSink,
	fallback FallbackWriter,
	checkpoint CheckpointStore,
	threshold int,
	fresh bool,
	logger *zap.Logger,
) *BatchWriter {
	if threshold <= 0 {
		threshold = defaultBatchThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := ModeAppend
	if fresh {
		mode = ModeCreate
	}
	return &BatchWriter{
		sink:       sink,
		fallback:   fallback,
		checkpoint: checkpoint,
		threshold:  threshold,
		logger:     logger,
		mode:       mode,
	}
}

// Append buffers one record.
func (w *BatchWriter) Append(rec Record) {
	w.buf = append(w.buf, rec)
}

// Len reports the number of buffered records.
func (w *BatchWriter) Len() int { return len(w.buf) }

// Checkpoint reports the highest page persisted through this writer.
func (w *BatchWriter) Checkpoint() int { return w.checkpointed }

// FlushIfDue flushes when the buffer has reached the batch threshold.
func (w *BatchWriter) FlushIfDue(ctx context.Context) error {
	if len(w.buf) < w.threshold {
		return nil
	}
	return w.FlushNow(ctx)
}

// FlushNow writes the buffer to the sink. On sink failure the buffer
// is written to the fallback location instead; the in-memory buffer is
// cleared either way to bound memory growth. Records are lost only
// when both writes fail, which surfaces as a fatal error.
func (w *BatchWriter) FlushNow(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	batch := w.buf
	w.buf = nil

	if err := w.sink.Write(ctx, batch, w.mode); err != nil {
		return w.divertToFallback(ctx, batch, err)
	}
	w.mode = ModeAppend

	FlushesTotal.Inc()
	w.logger.Info("flushed batch", zap.Int("records", len(batch)))

	if max := maxPage(batch); max > w.checkpointed {
		if w.checkpoint != nil {
			if err := w.checkpoint.Save(ctx, max); err != nil {
				// Resume will rescan these pages; duplicates are
				// prevented by the sink's identity constraint where
				// it has one, so keep crawling.
				w.logger.Error("checkpoint save failed", zap.Int("page", max), zap.Error(err))
				return nil
			}
		}
		w.checkpointed = max
	}
	return nil
}

func (w *BatchWriter) divertToFallback(ctx context.Context, batch []Record, cause error) error {
	w.logger.Error("primary sink write failed",
		zap.Int("records", len(batch)),
		zap.Error(cause),
	)
	if w.fallback == nil {
		return Fatal(fmt.Errorf("flush %d records with no fallback configured: %w", len(batch), cause))
	}
	location, ferr := w.fallback.WriteFallback(ctx, batch)
	if ferr != nil {
		w.logger.Error("fallback write failed, records lost",
			zap.Int("records", len(batch)),
			zap.Error(ferr),
		)
		return Fatal(fmt.Errorf("flush %d records: %w", len(batch), errors.Join(cause, ferr)))
	}
	FallbackWritesTotal.Inc()
	w.logger.Warn("batch preserved in fallback location",
		zap.Int("records", len(batch)),
		zap.String("location", location),
	)
	return nil
}

func maxPage(records []Record) int {
	max := 0
	for _, r := range records {
		if r.Page > max {
			max = r.Page
		}
	}
	return max
}
