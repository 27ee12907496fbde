// Package crawler implements the resilient paginated crawl loop: the
// state machine that walks the source page by page, recovers from
// anti-automation blocks, retries transient failures, resolves detail
// documents concurrently, and checkpoints progress durably.
//
// Everything source-specific lives behind the collaborator interfaces
// declared here (Transport, BlockDetector, Extractor, RecordSink), so
// the loop itself is transport-agnostic.
package crawler
