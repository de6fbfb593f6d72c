package trail

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// State describes the assembler's position in its lifecycle.
type State uint8

const (
	// StateEmpty means no query or subscription has touched the trail yet.
	StateEmpty State = iota
	// StateBackfilling means a bounded historical query is establishing or
	// repairing the trail.
	StateBackfilling
	// StateLive means the trail is current and live records are appended
	// as they arrive.
	StateLive
	// StateFaulted means the live path was lost or a reorg invalidated
	// records; the assembler is about to re-enter backfill.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// RangeSource is the bounded, idempotent historical query path the
// assembler pulls from. Re-issuing the same range yields the same logical
// content barring a reorg.
type RangeSource interface {
	// HeadBlock returns the current chain head block number.
	HeadBlock(ctx context.Context) (uint64, error)

	// QueryRange returns the decoded records for the topic in the
	// inclusive block range [from, to].
	QueryRange(ctx context.Context, topic [32]byte, from, to uint64) ([]Record, error)
}

// RecordCallback is invoked once for every record appended to the trail,
// in trail order.
type RecordCallback func(Record)

// EvictionCallback is invoked when a reorg evicts records from the trail.
type EvictionCallback func(evicted []Record)

const submitBuffer = 64

// Assembler owns the trail and cursor for exactly one conversation topic.
//
// Two producers feed it: the backfill path (pull, bounded range queries)
// and the live path (push, via Submit). All appends are serialized through
// a single writer, so callers never observe out-of-order records, a
// duplicate, or an apparent hole at the seam between history and live data.
// Faults are isolated per topic; one assembler failing never affects
// another topic's state.
type Assembler struct {
	topic      [32]byte
	source     RangeSource
	trail      *Trail
	startBlock uint64

	mu    sync.RWMutex
	state State

	submissions   chan Record
	invalidations chan uint64
	losses        chan error

	ready     chan struct{}
	readyOnce sync.Once

	recordCallback   RecordCallback
	evictionCallback EvictionCallback
}

// NewAssembler creates an assembler for one topic. startBlock is the first
// block the initial backfill covers (genesis or a configured start).
func NewAssembler(topic [32]byte, source RangeSource, startBlock uint64) *Assembler {
	return &Assembler{
		topic:         topic,
		source:        source,
		trail:         NewTrail(topic),
		startBlock:    startBlock,
		submissions:   make(chan Record, submitBuffer),
		invalidations: make(chan uint64, 1),
		losses:        make(chan error, 1),
		ready:         make(chan struct{}),
	}
}

// OnRecord registers the callback invoked for each appended record.
// Must be set before Run starts.
func (a *Assembler) OnRecord(cb RecordCallback) {
	a.recordCallback = cb
}

// OnEviction registers the callback invoked when a reorg evicts records.
// Must be set before Run starts.
func (a *Assembler) OnEviction(cb EvictionCallback) {
	a.evictionCallback = cb
}

// Trail returns the trail owned by this assembler. Reads are snapshots and
// safe at any time.
func (a *Assembler) Trail() *Trail {
	return a.trail
}

// State returns the assembler's current lifecycle state.
func (a *Assembler) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Ready returns a channel closed once the initial backfill completed and
// the assembler entered the live state for the first time.
func (a *Assembler) Ready() <-chan struct{} {
	return a.ready
}

// Cursor returns the trail's high-water mark.
func (a *Assembler) Cursor() (Key, bool) {
	return a.trail.Cursor()
}

// Submit hands a decoded live record to the assembler. Submissions are
// processed in receipt order by the single writer.
func (a *Assembler) Submit(r Record) {
	a.submissions <- r
}

// Invalidate reports a chain reorganization whose common ancestor is the
// given block. Records at or after the block are evicted and re-fetched.
func (a *Assembler) Invalidate(block uint64) {
	select {
	case a.invalidations <- block:
	default:
		// An invalidation is already pending; the rebackfill it triggers
		// re-derives everything from the trail anyway.
	}
}

// SubscriptionLost reports that the live path ended without explicit
// cancellation. The assembler rebackfills from its cursor and resumes.
func (a *Assembler) SubscriptionLost(err error) {
	select {
	case a.losses <- err:
	default:
	}
}

// Run is the single-writer loop. It performs the initial backfill and then
// serializes live appends, gap fills, reorg invalidations and fault
// recovery until the context is cancelled. Run returns a non-nil error only
// when the topic is unrecoverable (initial backfill exhausted its retries).
func (a *Assembler) Run(ctx context.Context) error {
	if err := a.initialBackfill(ctx); err != nil {
		return fmt.Errorf("initial backfill: %w", err)
	}
	a.readyOnce.Do(func() { close(a.ready) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-a.submissions:
			if err := a.applyLive(ctx, r); err != nil {
				a.recover(ctx, err)
			}

		case block := <-a.invalidations:
			a.applyInvalidation(ctx, block)

		case err := <-a.losses:
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"topic":    shortTopic(a.topic),
				"error":    err,
			}).Warn("Live subscription lost, rebackfilling from cursor")
			a.recover(ctx, err)
		}
	}
}

// initialBackfill retries the first history pass with exponential backoff;
// transient transport failures must not kill a topic at startup.
func (a *Assembler) initialBackfill(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	return backoff.Retry(func() error {
		return a.backfillFrom(ctx, a.startBlock)
	}, backoff.WithContext(bo, ctx))
}

// backfillFrom queries [from, head] once and appends the result in ordering
// key order. The head is captured once at query start; anything past it
// surfaces through the live path. Idempotent under repetition: overlap
// records are dropped by the trail's cursor rule.
func (a *Assembler) backfillFrom(ctx context.Context, from uint64) error {
	a.setState(StateBackfilling)

	head, err := a.source.HeadBlock(ctx)
	if err != nil {
		a.setState(StateFaulted)
		return fmt.Errorf("query chain head: %w", err)
	}
	if head < from {
		head = from
	}

	logrus.WithFields(logrus.Fields{
		"function": "backfillFrom",
		"topic":    shortTopic(a.topic),
		"from":     from,
		"to":       head,
	}).Info("Backfilling trail")

	records, err := a.source.QueryRange(ctx, a.topic, from, head)
	if err != nil {
		a.setState(StateFaulted)
		return fmt.Errorf("range query [%d,%d]: %w", from, head, err)
	}

	a.appendOrdered(records)
	a.setState(StateLive)
	return nil
}

// applyLive appends one record from the subscription path. Records at or
// below the cursor are overlap duplicates from the seam and are discarded.
// A record more than one block ahead of the cursor triggers one synchronous
// fill query covering the missing range before the record is exposed.
func (a *Assembler) applyLive(ctx context.Context, r Record) error {
	key := r.Key()
	cursor, ok := a.trail.Cursor()

	if ok && !cursor.Less(key) {
		logrus.WithFields(logrus.Fields{
			"function": "applyLive",
			"topic":    shortTopic(a.topic),
			"key":      key.String(),
			"cursor":   cursor.String(),
		}).Debug("Discarding live record at or below cursor")
		return nil
	}

	if ok && r.BlockNumber > cursor.BlockNumber+1 {
		from, to := cursor.BlockNumber+1, r.BlockNumber-1
		logrus.WithFields(logrus.Fields{
			"function": "applyLive",
			"topic":    shortTopic(a.topic),
			"from":     from,
			"to":       to,
		}).Info("Gap detected, filling missing range")

		fill, err := a.source.QueryRange(ctx, a.topic, from, to)
		if err != nil {
			a.setState(StateFaulted)
			return fmt.Errorf("gap fill [%d,%d]: %w", from, to, err)
		}
		a.appendOrdered(fill)
	}

	if a.trail.Append(r) {
		a.notifyRecord(r)
	}
	return nil
}

// applyInvalidation evicts everything at or after the reorg's common
// ancestor block and rebuilds from there.
func (a *Assembler) applyInvalidation(ctx context.Context, block uint64) {
	a.setState(StateFaulted)

	evicted := a.trail.EvictFrom(block)
	if len(evicted) > 0 && a.evictionCallback != nil {
		a.evictionCallback(evicted)
	}

	from := block
	if from < a.startBlock {
		from = a.startBlock
	}
	if err := a.backfillFrom(ctx, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyInvalidation",
			"topic":    shortTopic(a.topic),
			"block":    block,
			"error":    err,
		}).Error("Rebackfill after reorg failed")
	}
}

// recover rebackfills from the cursor after a live-path fault. Callers
// observe no duplicate and no gap across the fault, only added latency.
func (a *Assembler) recover(ctx context.Context, cause error) {
	a.setState(StateFaulted)

	from := a.startBlock
	if cursor, ok := a.trail.Cursor(); ok {
		// Overlap by one block rather than risking a hole; duplicates are
		// dropped by the cursor rule.
		from = cursor.BlockNumber
	}

	if err := a.backfillFrom(ctx, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recover",
			"topic":    shortTopic(a.topic),
			"cause":    cause,
			"error":    err,
		}).Error("Recovery backfill failed")
	}
}

// appendOrdered sorts a batch by ordering key and appends it, dropping
// duplicates, so an unordered or replayed query result never corrupts the
// trail.
func (a *Assembler) appendOrdered(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Less(records[j].Key())
	})
	for _, r := range records {
		if a.trail.Append(r) {
			a.notifyRecord(r)
		}
	}
}

func (a *Assembler) notifyRecord(r Record) {
	if a.recordCallback != nil {
		a.recordCallback(r)
	}
}

func (a *Assembler) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func shortTopic(topic [32]byte) string {
	return fmt.Sprintf("%x", topic[:8])
}
