package trail

import "fmt"

// Key is the ordering key of a record within a conversation trail.
// Records are ordered solely by (BlockNumber, LogIndex); payload content
// never participates in ordering.
type Key struct {
	BlockNumber uint64
	LogIndex    uint
}

// Less reports whether k orders strictly before other.
func (k Key) Less(other Key) bool {
	if k.BlockNumber != other.BlockNumber {
		return k.BlockNumber < other.BlockNumber
	}
	return k.LogIndex < other.LogIndex
}

// Equal reports whether two keys identify the same log position.
func (k Key) Equal(other Key) bool {
	return k.BlockNumber == other.BlockNumber && k.LogIndex == other.LogIndex
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d)", k.BlockNumber, k.LogIndex)
}

// Record is a single decoded message observed on the conversation topic.
//
// (Topic, BlockNumber, LogIndex) uniquely identifies a record; no two
// distinct records share this triple on a non-reorganized chain.
type Record struct {
	// Topic is the 32-byte conversation identifier the message was sent to.
	Topic [32]byte

	// Payload is the opaque message bytes. The trail never interprets them.
	Payload []byte

	// PrevBlock is the block number of the previous message in the same
	// conversation, as recorded by the contract. Zero means this is the
	// first message. It enables backward-linked rewind independent of
	// range queries.
	PrevBlock uint64

	// BlockNumber and LogIndex locate the log entry on chain.
	BlockNumber uint64
	LogIndex    uint
}

// Key returns the record's ordering key.
func (r Record) Key() Key {
	return Key{BlockNumber: r.BlockNumber, LogIndex: r.LogIndex}
}
