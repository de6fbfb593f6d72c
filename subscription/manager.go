// Package subscription owns the lifecycle of the live log feed for one
// conversation topic: open, monitor, and transparently reopen on failure
// with exponential backoff.
//
// The manager forwards every decoded record to its sink in receipt order
// and never reorders. Ordering, deduplication and gap handling are the
// trail assembler's job; the manager's job is keeping the feed alive.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail/chain"
	"github.com/xps-labs/chaintrail/codec"
	"github.com/xps-labs/chaintrail/trail"
)

// Sink receives the manager's output. *trail.Assembler satisfies it.
type Sink interface {
	// Submit hands over one decoded live record, in receipt order.
	Submit(trail.Record)

	// SubscriptionLost reports that the feed died and was (or is being)
	// reopened; the sink should repair any hole across the outage.
	SubscriptionLost(err error)

	// Invalidate reports a provider-signaled reorg at the given block.
	Invalidate(block uint64)
}

// Config bounds the reopen behavior. Retries are unbounded in count; a live
// channel is expected to eventually recover or be cancelled by the caller.
type Config struct {
	// InitialBackoff is the first reopen delay. Default 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the reopen delay. Default 30s.
	MaxBackoff time.Duration

	// DegradedAfter is the number of consecutive failed reopen attempts
	// after which the manager logs a degradation warning. Default 5.
	DegradedAfter int
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
}

// Manager maintains exactly one active subscription for its topic.
type Manager struct {
	ledger chain.Ledger
	topic  [32]byte
	sink   Sink
	cfg    Config

	lastForwarded uint64
}

// NewManager creates a manager for one topic feeding the given sink.
func NewManager(ledger chain.Ledger, topic [32]byte, sink Sink, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		ledger: ledger,
		topic:  topic,
		sink:   sink,
		cfg:    cfg,
	}
}

// Run opens the subscription at the given block and keeps it alive until
// the context is cancelled, reopening with exponential backoff on every
// failure. Reopens resume from the last forwarded block so the seam
// regenerates overlap (deduplicated downstream) instead of a gap.
func (m *Manager) Run(ctx context.Context, from uint64) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sub, err := m.ledger.Subscribe(ctx, m.topic, from)
		if err != nil {
			failures++
			wait := bo.NextBackOff()
			entry := logrus.WithFields(logrus.Fields{
				"function": "Run",
				"topic":    fmt.Sprintf("%x", m.topic[:8]),
				"failures": failures,
				"backoff":  wait,
				"error":    err,
			})
			if failures >= m.cfg.DegradedAfter {
				entry.Error("Live feed degraded, still retrying")
			} else {
				entry.Warn("Subscription open failed, retrying")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if failures > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"topic":    fmt.Sprintf("%x", m.topic[:8]),
				"after":    failures,
			}).Info("Live feed recovered")
		}
		bo.Reset()
		failures = 0

		err = m.consume(ctx, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// The feed ended without cancellation. Tell the sink so the
		// assembler can repair the hole, then reopen behind the last
		// forwarded block.
		m.sink.SubscriptionLost(err)
		if m.lastForwarded > 0 {
			from = m.lastForwarded
		}
	}
}

// consume drains one subscription until it dies or the context ends.
func (m *Manager) consume(ctx context.Context, sub chain.Subscription) error {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return fmt.Errorf("%w: %v", chain.ErrSubscriptionEnded, err)

		case raw, ok := <-sub.Logs():
			if !ok {
				return chain.ErrSubscriptionEnded
			}

			if raw.Removed {
				// The node marked this log as reorged out.
				logrus.WithFields(logrus.Fields{
					"function": "consume",
					"topic":    fmt.Sprintf("%x", m.topic[:8]),
					"block":    raw.BlockNumber,
				}).Warn("Provider signaled removed log, invalidating")
				m.sink.Invalidate(raw.BlockNumber)
				continue
			}

			record, err := codec.DecodeLog(raw)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "consume",
					"block":    raw.BlockNumber,
					"index":    raw.Index,
					"error":    err,
				}).Warn("Dropping malformed live log")
				continue
			}

			m.sink.Submit(record)
			m.lastForwarded = record.BlockNumber
		}
	}
}
