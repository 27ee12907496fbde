package crawler

import (
	"context"
	"time"
)

// Transport performs navigation and requests against the source. A
// transport owns exactly one session (cookie jar or browser tab) and
// is driven sequentially by the controller; only FetchDetail may be
// called concurrently, bounded by the detail pool.
type Transport interface {
	// Start establishes the session and performs the search that
	// seeds pagination.
	Start(ctx context.Context) error
	// FetchPage returns the raw content of listing page n.
	FetchPage(ctx context.Context, page int) (RawPage, error)
	// FetchDetail returns the detail document for a record id.
	FetchDetail(ctx context.Context, id string) (RawDetail, error)
	// NavigateTo moves the session to the given page. Best effort:
	// backward jumps may be unsupported by the source.
	NavigateTo(ctx context.Context, page int) error
	// CurrentPage reports the page the session is actually on, which
	// may differ from the cursor after the source reset the session.
	CurrentPage(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// BlockDetector inspects the transport's current state and decides
// whether the source is refusing normal service. Implementations are
// supplied externally; the loop treats them as opaque.
type BlockDetector interface {
	Check(ctx context.Context) Verdict
}

// Extractor parses raw listing content into record stubs. Parsing is
// transport-specific, so each transport ships its own extractor.
type Extractor interface {
	Extract(page RawPage) ([]RecordStub, error)
}

// RecordSink is the durable tabular destination for extracted records.
type RecordSink interface {
	Write(ctx context.Context, records []Record, mode WriteMode) error
	Close(ctx context.Context) error
}

// FallbackWriter persists a batch somewhere safe when the primary sink
// write fails. It returns the location written.
type FallbackWriter interface {
	WriteFallback(ctx context.Context, records []Record) (string, error)
}

// CheckpointStore persists the highest page number for which all
// records have been durably flushed.
type CheckpointStore interface {
	Load(ctx context.Context) (int, error)
	Save(ctx context.Context, page int) error
}

// ArchiveStore keeps raw detail documents for later reprocessing and
// returns a URI for the stored object.
type ArchiveStore interface {
	Put(ctx context.Context, name string, contentType string, data []byte) (string, error)
}

// Publisher pushes crawl lifecycle events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
