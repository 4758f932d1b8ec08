// Package watcher discovers intents that became revealable and feeds their ids
// to the work queue.
//
// Scans are driven by a single bounded trigger channel. New-head notifications
// and a backup ticker both write to it; when a trigger is already pending the
// new one is dropped since the pending scan covers it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/metrics"
)

// EventSource is the part of the ledger the watcher reads.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	QueryReadyEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.ReadyEvent, error)
}

// Queue receives discovered request ids.
type Queue interface {
	Enqueue(ctx context.Context, ids ...uint256.Int) error
}

// Checkpoint persists the last fully processed block.
type Checkpoint interface {
	LastBlock(ctx context.Context) (uint64, bool, error)
	SetLastBlock(ctx context.Context, block uint64) error
}

// Config tunes the watcher.
type Config struct {
	PollInterval   time.Duration
	TriggerBuffer  int
	ReorgTolerance uint64
	MaxBlockBatch  uint64
	// StartBlock is used on a cold start. Zero means head - ReorgTolerance.
	StartBlock uint64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 12 * time.Second
	}
	if c.TriggerBuffer <= 0 {
		c.TriggerBuffer = 1
	}
	if c.MaxBlockBatch == 0 {
		c.MaxBlockBatch = 2000
	}
	return c
}

// ScanResult summarizes one scan.
type ScanResult struct {
	From       uint64
	To         uint64
	Events     int
	Checkpoint uint64
}

// Watcher scans for IntentReady events and enqueues their request ids.
type Watcher struct {
	source     EventSource
	heads      ledger.HeadSubscriber
	queue      Queue
	checkpoint Checkpoint
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics

	triggers chan uint64
}

// New creates a Watcher. heads may be nil, in which case the backup ticker is
// the only trigger source.
func New(source EventSource, heads ledger.HeadSubscriber, queue Queue, checkpoint Checkpoint, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		source:     source,
		heads:      heads,
		queue:      queue,
		checkpoint: checkpoint,
		cfg:        cfg,
		logger:     logger.Named("watcher"),
		metrics:    m,
		triggers:   make(chan uint64, cfg.TriggerBuffer),
	}
}

// Trigger requests a scan without blocking. It reports whether the trigger was
// accepted.
func (w *Watcher) Trigger(block uint64) bool {
	select {
	case w.triggers <- block:
		return true
	default:
		w.metrics.TriggerDropped()
		return false
	}
}

// Run consumes triggers until ctx is done. active is checked before every scan;
// while it reports false triggers are consumed and ignored.
func (w *Watcher) Run(ctx context.Context, active func() bool) error {
	go w.pollLoop(ctx)
	if w.heads != nil {
		go w.subscribeLoop(ctx)
	}

	// catch up immediately instead of waiting for the first trigger
	w.Trigger(0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.triggers:
			if active != nil && !active() {
				continue
			}
			res, err := w.Scan(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				w.logger.Warn("Scan stopped; will retry from checkpoint on next trigger",
					zap.Uint64("from", res.From),
					zap.Uint64("checkpoint", res.Checkpoint),
					zap.Error(err))
				continue
			}
			if res.Events > 0 {
				w.logger.Info("Enqueued ready intents",
					zap.Uint64("from", res.From),
					zap.Uint64("to", res.To),
					zap.Int("events", res.Events))
			}
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Trigger(0)
		}
	}
}

// subscribeLoop forwards new heads into the trigger channel, resubscribing after
// failures. It gives up for good on transports without notifications.
func (w *Watcher) subscribeLoop(ctx context.Context) {
	heads := make(chan uint64, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-heads:
				w.Trigger(n)
			}
		}
	}()

	for {
		sub, err := w.heads.SubscribeHeads(ctx, heads)
		if errors.Is(err, ledger.ErrNotificationsUnsupported) {
			w.logger.Info("Head notifications unsupported; relying on backup poll",
				zap.Duration("interval", w.cfg.PollInterval))
			return
		}
		if err != nil {
			w.logger.Warn("Head subscription failed", zap.Error(err))
		} else {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				w.logger.Warn("Head subscription dropped", zap.Error(err))
				sub.Unsubscribe()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Scan processes [lastProcessed+1-reorgTolerance, head] in sub-ranges of at most
// MaxBlockBatch blocks. The checkpoint advances to the end of a sub-range only
// after all of its ids were enqueued, so an error leaves no gap.
func (w *Watcher) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		w.metrics.ObserveScan("error", 0, 0)
		return res, fmt.Errorf("read head: %w", err)
	}

	last, ok, err := w.checkpoint.LastBlock(ctx)
	if err != nil {
		w.metrics.ObserveScan("error", 0, 0)
		return res, err
	}
	if ok {
		res.From = ScanStart(last, w.cfg.ReorgTolerance)
		res.Checkpoint = last
	} else {
		res.From = w.coldStart(head)
		w.logger.Info("No checkpoint found; cold start", zap.Uint64("from", res.From), zap.Uint64("head", head))
	}
	res.To = head
	if res.From > head {
		w.metrics.ObserveScan("idle", 0, 0)
		return res, nil
	}

	step := w.cfg.MaxBlockBatch
	for start := res.From; start <= head; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + step - 1
		if end > head || end < start {
			end = head
		}

		events, err := w.source.QueryReadyEvents(ctx, start, end)
		if err != nil {
			if ledger.IsRangeLimit(err) && step > 1 {
				step /= 2
				w.logger.Debug("Provider rejected range; shrinking",
					zap.Uint64("from", start), zap.Uint64("to", end), zap.Uint64("step", step))
				continue
			}
			w.metrics.ObserveScan("error", res.Events, res.Checkpoint)
			return res, fmt.Errorf("query ready events [%d..%d]: %w", start, end, err)
		}

		if len(events) > 0 {
			ids := make([]uint256.Int, len(events))
			for i := range events {
				ids[i] = events[i].RequestID
			}
			if err := w.queue.Enqueue(ctx, ids...); err != nil {
				w.metrics.ObserveScan("error", res.Events, res.Checkpoint)
				return res, fmt.Errorf("enqueue [%d..%d]: %w", start, end, err)
			}
			res.Events += len(events)
		}

		if err := w.checkpoint.SetLastBlock(ctx, end); err != nil {
			w.metrics.ObserveScan("error", res.Events, res.Checkpoint)
			return res, err
		}
		res.Checkpoint = end

		if end == head {
			break
		}
		start = end + 1
	}

	w.metrics.ObserveScan("ok", res.Events, res.Checkpoint)
	return res, nil
}

func (w *Watcher) coldStart(head uint64) uint64 {
	if w.cfg.StartBlock > 0 {
		return w.cfg.StartBlock
	}
	if head < w.cfg.ReorgTolerance {
		return 0
	}
	return head - w.cfg.ReorgTolerance
}

// ScanStart computes max(0, last + 1 - tolerance).
func ScanStart(last, tolerance uint64) uint64 {
	next := last + 1
	if next <= tolerance {
		return 0
	}
	return next - tolerance
}
