// Package trail implements the per-conversation ordering and deduplication
// engine for on-chain message logs.
//
// A Trail is the strictly ordered, duplicate-free sequence of message
// records observed for one conversation topic. The Assembler feeds it from
// two concurrent producers with different delivery guarantees: bounded
// historical range queries (backfill) and an unbounded live subscription.
// A single-writer discipline per topic keeps appends serialized while
// snapshot reads stay lock-cheap.
package trail

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Trail is the ordered, deduplicated record sequence for one topic.
//
// Appends are accepted only with a key strictly greater than the current
// cursor, so the sequence is strictly increasing by (BlockNumber, LogIndex)
// and replaying any overlap is a no-op. Readers always observe either the
// old prefix or the fully appended new prefix, never a torn record.
type Trail struct {
	mu        sync.RWMutex
	topic     [32]byte
	records   []Record
	cursor    Key
	hasCursor bool
}

// NewTrail creates an empty trail for the given conversation topic.
func NewTrail(topic [32]byte) *Trail {
	return &Trail{topic: topic}
}

// Topic returns the conversation topic the trail belongs to.
func (t *Trail) Topic() [32]byte {
	return t.topic
}

// Append adds a record to the trail if its ordering key is strictly greater
// than the current cursor. It reports whether the record was appended;
// records at or below the cursor are overlap duplicates and are dropped.
func (t *Trail) Append(r Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := r.Key()
	if t.hasCursor && !t.cursor.Less(key) {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"key":      key.String(),
			"cursor":   t.cursor.String(),
		}).Debug("Dropping overlap duplicate record")
		return false
	}

	t.records = append(t.records, r)
	t.cursor = key
	t.hasCursor = true
	return true
}

// Cursor returns the high-water mark of the trail: the key of the last
// appended record. ok is false while the trail is empty.
func (t *Trail) Cursor() (key Key, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursor, t.hasCursor
}

// Len returns the number of records currently in the trail.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Records returns a snapshot copy of the trail in order.
func (t *Trail) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Last returns the most recent record, if any.
func (t *Trail) Last() (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.records) == 0 {
		return Record{}, false
	}
	return t.records[len(t.records)-1], true
}

// EvictFrom removes every record with BlockNumber >= block and rewinds the
// cursor to the last surviving record. It returns the evicted records in
// their previous order. Used when a chain reorganization invalidates
// previously observed blocks.
func (t *Trail) EvictFrom(block uint64) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Records are ordered, so the eviction boundary is the first record at
	// or past the invalidated block.
	cut := len(t.records)
	for i, r := range t.records {
		if r.BlockNumber >= block {
			cut = i
			break
		}
	}

	if cut == len(t.records) {
		return nil
	}

	evicted := make([]Record, len(t.records)-cut)
	copy(evicted, t.records[cut:])
	t.records = t.records[:cut]

	if len(t.records) == 0 {
		t.cursor = Key{}
		t.hasCursor = false
	} else {
		t.cursor = t.records[len(t.records)-1].Key()
	}

	logrus.WithFields(logrus.Fields{
		"function": "EvictFrom",
		"block":    block,
		"evicted":  len(evicted),
		"remain":   len(t.records),
	}).Warn("Evicted records after reorg")

	return evicted
}
