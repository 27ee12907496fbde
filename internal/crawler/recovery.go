package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RecoveryConfig controls the block recovery wait loop.
type RecoveryConfig struct {
	// PollInterval is how often the detector is re-checked while
	// blocked.
	PollInterval time.Duration
	// Timeout bounds the whole wait; a block that outlives it is
	// fatal to the session.
	Timeout time.Duration
}

// DefaultRecoveryConfig mirrors the manual-CAPTCHA budget the source
// requires: a human gets three minutes to clear the challenge.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		PollInterval: 5 * time.Second,
		Timeout:      180 * time.Second,
	}
}

func (c RecoveryConfig) normalized() RecoveryConfig {
	d := DefaultRecoveryConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// RecoveryResult reports how a block wait ended.
type RecoveryResult struct {
	// ResumePage is the page the session is actually on after the
	// block cleared. It may differ from the cursor when the source
	// reset the session.
	ResumePage int
	// Waited is how long the crawl was suspended.
	Waited time.Duration
}

// BlockRecoveryCoordinator suspends the crawl while the source refuses
// service, polling the detector until the block clears or the wait
// budget is spent. The wait is a deliberate blocking suspension point
// for the whole loop, but it honors context cancellation.
type BlockRecoveryCoordinator struct {
	detector  BlockDetector
	transport Transport
	cfg       RecoveryConfig
	clock     Clock
	logger    *zap.Logger
}

// NewBlockRecoveryCoordinator builds a coordinator.
func NewBlockRecoveryCoordinator(
	detector BlockDetector,
	transport Transport,
	cfg RecoveryConfig,
	clock Clock,
	logger *zap.Logger,
) *BlockRecoveryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockRecoveryCoordinator{
		detector:  detector,
		transport: transport,
		cfg:       cfg.normalized(),
		clock:     clock,
		logger:    logger,
	}
}

// AwaitRecovery blocks until the detector reports Clear, then reports
// the page the session actually landed on. It returns
// ErrRecoveryTimeout when the budget elapses and the context error
// when the wait is cancelled.
func (c *BlockRecoveryCoordinator) AwaitRecovery(ctx context.Context, currentPage int) (RecoveryResult, error) {
	start := c.clock.Now()
	deadline := start.Add(c.cfg.Timeout)
	c.logger.Warn("block detected, suspending crawl",
		zap.Int("page", currentPage),
		zap.Duration("timeout", c.cfg.Timeout),
	)

	for {
		if c.detector.Check(ctx) == Clear {
			waited := c.clock.Now().Sub(start)
			resume := c.detectResumePage(ctx, currentPage)
			c.logger.Info("block cleared",
				zap.Int("cursor_page", currentPage),
				zap.Int("resume_page", resume),
				zap.Duration("waited", waited),
			)
			return RecoveryResult{ResumePage: resume, Waited: waited}, nil
		}
		if !c.clock.Now().Before(deadline) {
			return RecoveryResult{}, fmt.Errorf("waited %s on page %d: %w", c.cfg.Timeout, currentPage, ErrRecoveryTimeout)
		}
		if err := sleepContext(ctx, c.cfg.PollInterval); err != nil {
			return RecoveryResult{}, fmt.Errorf("recovery wait interrupted: %w", err)
		}
	}
}

func (c *BlockRecoveryCoordinator) detectResumePage(ctx context.Context, currentPage int) int {
	detected, err := c.transport.CurrentPage(ctx)
	if err != nil || detected <= 0 {
		if err != nil {
			c.logger.Warn("could not determine displayed page after recovery", zap.Error(err))
		}
		return currentPage
	}
	return detected
}
