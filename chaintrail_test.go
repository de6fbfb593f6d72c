package chaintrail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xps-labs/chaintrail/chain"
	"github.com/xps-labs/chaintrail/codec"
	"github.com/xps-labs/chaintrail/subscription"
	"github.com/xps-labs/chaintrail/trail"
)

func newTestClient(ledger chain.Ledger) *Client {
	options := NewOptions()
	options.Subscription = subscription.Config{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		DegradedAfter:  3,
	}
	return NewWithLedger(ledger, options)
}

func scriptedLog(t *testing.T, conversation string, block uint64, index uint, prev uint64, payload string) types.Log {
	t.Helper()
	raw, err := codec.EncodeLog(trail.Record{
		Topic:       codec.DeriveTopic(conversation),
		Payload:     []byte(payload),
		PrevBlock:   prev,
		BlockNumber: block,
		LogIndex:    index,
	})
	require.NoError(t, err)
	return raw
}

// collector gathers callback records under a lock.
type collector struct {
	mu      sync.Mutex
	records []trail.Record
}

func (c *collector) add(r trail.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func liveSubscription(t *testing.T, ledger *chain.MockLedger) *chain.MockSubscription {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(ledger.Subscriptions()) > 0
	}, 2*time.Second, 5*time.Millisecond, "live feed never opened")
	subs := ledger.Subscriptions()
	return subs[len(subs)-1]
}

func TestFollow_BackfillThenLive(t *testing.T) {
	ledger := chain.NewMockLedger()
	ledger.SetHead(101)
	ledger.AddLogs(
		scriptedLog(t, "lobby", 100, 0, 0, "first"),
		scriptedLog(t, "lobby", 100, 1, 100, "second"),
	)
	client := newTestClient(ledger)
	defer client.Close()

	cb := &collector{}
	require.NoError(t, client.Follow(context.Background(), "lobby", cb.add))

	// Follow returns only after history is in place.
	records, err := client.TrailRecords("lobby")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte("first"), records[0].Payload)
	assert.Equal(t, []byte("second"), records[1].Payload)
	assert.Equal(t, 2, cb.count())

	// The live feed replays the seam and then advances; the overlap must
	// not double-count.
	sub := liveSubscription(t, ledger)
	sub.Push(scriptedLog(t, "lobby", 100, 0, 0, "first"))
	sub.Push(scriptedLog(t, "lobby", 100, 1, 100, "second"))
	sub.Push(scriptedLog(t, "lobby", 101, 0, 100, "third"))

	require.Eventually(t, func() bool {
		return cb.count() == 3
	}, 2*time.Second, 5*time.Millisecond)

	records, err = client.TrailRecords("lobby")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i-1].Key().Less(records[i].Key()))
	}
	assert.Equal(t, []byte("third"), records[2].Payload)
}

func TestFollow_EmptyConversation(t *testing.T) {
	ledger := chain.NewMockLedger()
	ledger.SetHead(50)
	client := newTestClient(ledger)
	defer client.Close()

	cb := &collector{}
	require.NoError(t, client.Follow(context.Background(), "fresh", cb.add))

	records, err := client.TrailRecords("fresh")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFollow_Duplicate(t *testing.T) {
	ledger := chain.NewMockLedger()
	client := newTestClient(ledger)
	defer client.Close()

	require.NoError(t, client.Follow(context.Background(), "dup", func(trail.Record) {}))
	err := client.Follow(context.Background(), "dup", func(trail.Record) {})
	assert.ErrorIs(t, err, ErrAlreadyFollowing)
}

func TestUnfollow(t *testing.T) {
	ledger := chain.NewMockLedger()
	client := newTestClient(ledger)
	defer client.Close()

	require.NoError(t, client.Follow(context.Background(), "brief", func(trail.Record) {}))
	require.NoError(t, client.Unfollow("brief"))

	_, err := client.TrailRecords("brief")
	assert.ErrorIs(t, err, ErrNotFollowing)
	assert.ErrorIs(t, client.Unfollow("brief"), ErrNotFollowing)

	// Following again after an unfollow is a fresh trail.
	require.NoError(t, client.Follow(context.Background(), "brief", func(trail.Record) {}))
}

func TestTrailRecords_NotFollowing(t *testing.T) {
	client := newTestClient(chain.NewMockLedger())
	defer client.Close()

	_, err := client.TrailRecords("nobody")
	assert.ErrorIs(t, err, ErrNotFollowing)
}

// A sent message must not appear in the trail until its log record comes
// back through an observation path.
func TestSendMessage_TrailGrowsOnlyByObservation(t *testing.T) {
	ledger := chain.NewMockLedger()
	ledger.SetHead(99)
	client := newTestClient(ledger)
	defer client.Close()

	cb := &collector{}
	require.NoError(t, client.Follow(context.Background(), "lobby", cb.add))

	result, err := client.SendMessage(context.Background(), "lobby", []byte("outbound"))
	require.NoError(t, err)
	require.NoError(t, result.Wait(context.Background()))

	records, err := client.TrailRecords("lobby")
	require.NoError(t, err)
	assert.Empty(t, records, "confirmation alone does not touch the trail")

	// The record surfaces like any other once the chain reports it.
	sub := liveSubscription(t, ledger)
	sub.Push(scriptedLog(t, "lobby", 100, 0, 0, "outbound"))
	require.Eventually(t, func() bool {
		return cb.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendMessage_NeedsNoFollow(t *testing.T) {
	ledger := chain.NewMockLedger()
	client := newTestClient(ledger)
	defer client.Close()

	result, err := client.SendMessage(context.Background(), "brand-new", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, result.Wait(context.Background()))

	submissions := ledger.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, codec.DeriveTopic("brand-new"), submissions[0].Topic)
}

func TestInvalidate_EvictsAndRebuilds(t *testing.T) {
	ledger := chain.NewMockLedger()
	ledger.SetHead(102)
	ledger.AddLogs(
		scriptedLog(t, "lobby", 100, 0, 0, "kept"),
		scriptedLog(t, "lobby", 101, 0, 100, "replaced"),
	)
	client := newTestClient(ledger)
	defer client.Close()

	evictions := &collector{}
	client.OnEviction(func(conversation string, evicted []trail.Record) {
		assert.Equal(t, "lobby", conversation)
		for _, r := range evicted {
			evictions.add(r)
		}
	})

	require.NoError(t, client.Follow(context.Background(), "lobby", func(trail.Record) {}))

	require.NoError(t, client.Invalidate("lobby", 101))
	require.Eventually(t, func() bool {
		return evictions.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	evictions.mu.Lock()
	assert.Equal(t, []byte("replaced"), evictions.records[0].Payload)
	evictions.mu.Unlock()

	// The scripted chain still carries block 101, so the rebuild restores
	// the trail from canonical history.
	require.Eventually(t, func() bool {
		records, err := client.TrailRecords("lobby")
		return err == nil && len(records) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, client.Invalidate("nobody", 10), ErrNotFollowing)
}

func TestLastMessages_RewindsBackLinks(t *testing.T) {
	ledger := chain.NewMockLedger()
	topic := codec.DeriveTopic("lobby")
	ledger.SetLastMessageBlock(topic, 105)
	ledger.AddLogs(
		scriptedLog(t, "lobby", 101, 0, 0, "one"),
		scriptedLog(t, "lobby", 101, 1, 101, "two"),
		scriptedLog(t, "lobby", 105, 0, 101, "three"),
	)
	client := newTestClient(ledger)
	defer client.Close()

	t.Run("full history in chronological order", func(t *testing.T) {
		records, err := client.LastMessages(context.Background(), "lobby", 10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []byte("one"), records[0].Payload)
		assert.Equal(t, []byte("two"), records[1].Payload)
		assert.Equal(t, []byte("three"), records[2].Payload)
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		records, err := client.LastMessages(context.Background(), "lobby", 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("three"), records[0].Payload)
	})

	t.Run("rewind stops at the limit", func(t *testing.T) {
		before := len(ledger.Queries())
		_, err := client.LastMessages(context.Background(), "lobby", 1)
		require.NoError(t, err)
		assert.Len(t, ledger.Queries(), before+1, "a satisfied limit stops the back-link walk")
	})

	t.Run("empty conversation", func(t *testing.T) {
		records, err := client.LastMessages(context.Background(), "silent", 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestLastMessages_BrokenBackLink(t *testing.T) {
	ledger := chain.NewMockLedger()
	topic := codec.DeriveTopic("lobby")
	ledger.SetLastMessageBlock(topic, 105)
	// The newest record claims its predecessor is at block 90, but nothing
	// is there.
	ledger.AddLogs(scriptedLog(t, "lobby", 105, 0, 90, "tail"))
	client := newTestClient(ledger)
	defer client.Close()

	records, err := client.LastMessages(context.Background(), "lobby", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("tail"), records[0].Payload)
}

func TestLastMessages_SelfReferencingLink(t *testing.T) {
	ledger := chain.NewMockLedger()
	topic := codec.DeriveTopic("loop")
	ledger.SetLastMessageBlock(topic, 50)
	ledger.AddLogs(scriptedLog(t, "loop", 50, 0, 50, "stuck"))
	client := newTestClient(ledger)
	defer client.Close()

	records, err := client.LastMessages(context.Background(), "loop", 10)
	require.NoError(t, err)
	require.Len(t, records, 1, "a non-decreasing back-link terminates the walk")
}

func TestClose_StopsConversations(t *testing.T) {
	ledger := chain.NewMockLedger()
	client := newTestClient(ledger)

	require.NoError(t, client.Follow(context.Background(), "a", func(trail.Record) {}))
	require.NoError(t, client.Follow(context.Background(), "b", func(trail.Record) {}))
	client.Close()

	_, err := client.TrailRecords("a")
	assert.ErrorIs(t, err, ErrNotFollowing)
}
