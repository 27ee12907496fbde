// Package csv persists crawled records to a CSV file and doubles as
// the durable fallback target when a primary sink fails.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

var header = []string{
	"Court Name",
	"Case Number",
	"Decision Number",
	"Decision Date",
	"Status",
	"Explanation",
	"Page",
}

// Sink writes records to a single CSV file. It implements RecordSink,
// FallbackWriter, and CheckpointStore: the file itself is the durable
// state, so the highest page found in it is the resume point.
type Sink struct {
	path   string
	logger *zap.Logger
}

// New builds a Sink writing to path.
func New(path string, logger *zap.Logger) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("csv sink: empty path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("csv sink: create dir: %w", err)
		}
	}
	return &Sink{path: path, logger: logger}, nil
}

// Write appends or recreates the file depending on mode. ModeCreate
// truncates and writes a fresh header; ModeAppend adds rows, writing
// the header only when the file is new or empty.
func (s *Sink) Write(_ context.Context, records []crawler.Record, mode crawler.WriteMode) error {
	if err := writeRecords(s.path, records, mode); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	s.logger.Debug("records written",
		zap.String("path", s.path),
		zap.Int("count", len(records)),
		zap.Stringer("mode", mode))
	return nil
}

// WriteFallback drops the batch into a timestamped sibling file so a
// primary sink outage never loses crawled work.
func (s *Sink) WriteFallback(_ context.Context, records []crawler.Record) (string, error) {
	path := filepath.Join(filepath.Dir(s.path), fmt.Sprintf("fallback_%d.csv", time.Now().Unix()))
	if err := writeRecords(path, records, crawler.ModeCreate); err != nil {
		return "", fmt.Errorf("csv fallback: %w", err)
	}
	return path, nil
}

// Load scans the file for the highest persisted page. A missing file
// means no checkpoint.
func (s *Sink) Load(_ context.Context) (int, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("csv checkpoint: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	maxPage := 0
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("csv checkpoint: read %s: %w", s.path, err)
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == header[0] {
				continue
			}
		}
		if len(row) < len(header) {
			continue
		}
		page, err := strconv.Atoi(row[len(header)-1])
		if err != nil {
			continue
		}
		if page > maxPage {
			maxPage = page
		}
	}
	return maxPage, nil
}

// Save is a no-op: the rows themselves are the checkpoint.
func (s *Sink) Save(_ context.Context, _ int) error { return nil }

// Close is a no-op; each write opens and closes the file.
func (s *Sink) Close(_ context.Context) error { return nil }

func writeRecords(path string, records []crawler.Record, mode crawler.WriteMode) error {
	flags := os.O_CREATE | os.O_WRONLY
	if mode == crawler.ModeCreate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	needHeader := mode == crawler.ModeCreate
	if !needHeader {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		needHeader = info.Size() == 0
	}

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, rec := range records {
		row := []string{
			rec.Court,
			rec.CaseNumber,
			rec.DecisionNumber,
			rec.DecisionDate,
			rec.Status,
			rec.Explanation,
			strconv.Itoa(rec.Page),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
