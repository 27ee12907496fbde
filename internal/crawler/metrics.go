package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesCrawledTotal tracks listing pages fully processed and handed to the writer.
	PagesCrawledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_pages_crawled_total",
		Help: "The total number of listing pages fully processed.",
	})
	// RecordsExtractedTotal tracks records merged with their detail documents.
	RecordsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_records_extracted_total",
		Help: "The total number of records extracted.",
	})
	// RetriesTotal tracks retry attempts across all operations.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_retries_total",
		Help: "The total number of retry attempts.",
	})
	// DetailFailuresTotal tracks records whose detail fetch exhausted its budget.
	DetailFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_detail_failures_total",
		Help: "The total number of detail fetches that permanently failed.",
	})
	// BlocksDetectedTotal tracks transitions into the blocked state.
	BlocksDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_blocks_detected_total",
		Help: "The total number of anti-automation blocks detected.",
	})
	// RecoveriesTotal tracks blocks that cleared within the wait budget.
	RecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_block_recoveries_total",
		Help: "The total number of successful block recoveries.",
	})
	// FlushesTotal tracks successful primary sink flushes.
	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_flushes_total",
		Help: "The total number of successful batch flushes.",
	})
	// FallbackWritesTotal tracks batches diverted to the fallback location.
	FallbackWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emsal_fallback_writes_total",
		Help: "The total number of batches written to the fallback location.",
	})
)
