// Package chaintrail is a client for conversations carried as on-chain
// event log entries.
//
// Each conversation is identified by a fixed 32-byte topic (the SHA3-256
// hash of its name). Messages are opaque byte payloads appended to the
// topic's trail by a sender contract emitting PayloadSent events. The
// client reconstructs a reliable, ordered, replayable message history per
// conversation from the chain's unordered, replayable, reorganizable log
// stream, and exposes it both as a bounded historical query and as a live
// subscription.
//
// Example:
//
//	options := chaintrail.NewOptions()
//	options.RPCURL = "wss://node.example.com"
//	options.PrivateKey = privateKeyHex
//
//	client, err := chaintrail.New(ctx, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Follow(ctx, "my-conversation", func(r trail.Record) {
//	    fmt.Printf("message at %d: %s\n", r.BlockNumber, r.Payload)
//	})
//
//	client.SendMessage(ctx, "my-conversation", []byte("hello"))
package chaintrail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail/chain"
	"github.com/xps-labs/chaintrail/codec"
	"github.com/xps-labs/chaintrail/sender"
	"github.com/xps-labs/chaintrail/subscription"
	"github.com/xps-labs/chaintrail/trail"
)

var (
	// ErrAlreadyFollowing indicates a second Follow for a conversation
	// that already has a live trail.
	ErrAlreadyFollowing = errors.New("conversation already followed")
	// ErrNotFollowing indicates an operation on a conversation with no
	// live trail.
	ErrNotFollowing = errors.New("conversation not followed")
)

// MessageCallback receives each record appended to a followed trail, in
// trail order.
type MessageCallback func(trail.Record)

// EvictionCallback receives records dropped from a trail by a reorg.
type EvictionCallback func(conversation string, evicted []trail.Record)

// Client is the conversation access layer. One Client serves any number of
// conversations; each followed conversation gets its own assembler and
// subscription, so a fault in one topic never affects another.
type Client struct {
	options *Options
	ledger  chain.Ledger
	sender  *sender.Sender

	mu            sync.RWMutex
	conversations map[[32]byte]*followedConversation

	evictionCallback EvictionCallback

	ctx    context.Context
	cancel context.CancelFunc
}

type followedConversation struct {
	name      string
	topic     [32]byte
	assembler *trail.Assembler
	cancel    context.CancelFunc
}

// New dials the ledger and creates a Client.
func New(ctx context.Context, options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	contract := options.ContractAddress
	if contract == "" {
		contract = DefaultSenderContract
	}

	ledger, err := chain.DialEthLedger(ctx, options.RPCURL, options.PrivateKey,
		common.HexToAddress(contract), options.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return NewWithLedger(ledger, options), nil
}

// NewWithLedger creates a Client on an existing ledger. Tests use it with
// chain.MockLedger.
func NewWithLedger(ledger chain.Ledger, options *Options) *Client {
	if options == nil {
		options = NewOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		options:       options,
		ledger:        ledger,
		sender:        sender.New(ledger, options.MaxPayload),
		conversations: make(map[[32]byte]*followedConversation),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// OnEviction registers the callback invoked when a reorg evicts records
// from any followed conversation.
func (c *Client) OnEviction(cb EvictionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictionCallback = cb
}

// SendMessage submits one message to a conversation. Conversations need no
// prior setup; trails are created lazily and sending to a brand new topic
// is valid. The returned result is pending; use Result.Wait for
// confirmation. The message enters the trail only once its log record is
// observed on chain.
func (c *Client) SendMessage(ctx context.Context, conversation string, payload []byte) (*sender.Result, error) {
	topic := codec.DeriveTopic(conversation)
	return c.sender.Send(ctx, topic, payload)
}

// Follow builds the conversation's trail (backfill from the configured
// start block to the current head) and then tails it live, invoking cb for
// every appended record. Historical records replay through cb first, in
// order; the seam between history and live data is deduplicated and gap
// free. Follow returns once the backfill completed.
func (c *Client) Follow(ctx context.Context, conversation string, cb MessageCallback) error {
	topic := codec.DeriveTopic(conversation)

	c.mu.Lock()
	if _, exists := c.conversations[topic]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyFollowing, conversation)
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	assembler := trail.NewAssembler(topic, recordSource{ledger: c.ledger}, c.options.StartBlock)
	assembler.OnRecord(trail.RecordCallback(cb))
	assembler.OnEviction(func(evicted []trail.Record) {
		c.mu.RLock()
		evictionCb := c.evictionCallback
		c.mu.RUnlock()
		if evictionCb != nil {
			evictionCb(conversation, evicted)
		}
	})

	c.conversations[topic] = &followedConversation{
		name:      conversation,
		topic:     topic,
		assembler: assembler,
		cancel:    cancel,
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Follow",
		"conversation": conversation,
		"topic":        fmt.Sprintf("%x", topic[:8]),
	}).Info("Following conversation")

	runErr := make(chan error, 1)
	go func() { runErr <- assembler.Run(runCtx) }()

	select {
	case <-assembler.Ready():
	case err := <-runErr:
		c.stopConversation(topic)
		return fmt.Errorf("follow %s: %w", conversation, err)
	case <-ctx.Done():
		c.stopConversation(topic)
		return ctx.Err()
	}

	// Open the live feed overlapping the backfill's high-water mark; the
	// overlap is deduplicated by the assembler, never double-counted.
	from := c.options.StartBlock
	if cursor, ok := assembler.Cursor(); ok {
		from = cursor.BlockNumber
	}
	manager := subscription.NewManager(c.ledger, topic, assembler, c.options.Subscription)
	go func() {
		if err := manager.Run(runCtx, from); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function":     "Follow",
				"conversation": conversation,
				"error":        err,
			}).Error("Live feed terminated")
		}
	}()

	return nil
}

// Unfollow stops the conversation's live trail and releases its resources.
// In-flight range queries are allowed to finish; their results are
// discarded with the assembler.
func (c *Client) Unfollow(conversation string) error {
	topic := codec.DeriveTopic(conversation)
	if !c.stopConversation(topic) {
		return fmt.Errorf("%w: %s", ErrNotFollowing, conversation)
	}
	return nil
}

// TrailRecords returns a snapshot of the followed conversation's trail.
func (c *Client) TrailRecords(conversation string) ([]trail.Record, error) {
	topic := codec.DeriveTopic(conversation)

	c.mu.RLock()
	followed, ok := c.conversations[topic]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFollowing, conversation)
	}
	return followed.assembler.Trail().Records(), nil
}

// Invalidate reports an externally detected reorg to a followed
// conversation, evicting records at or after the given block and
// rebuilding them from the canonical chain. Most callers never need this;
// provider-signaled removals are handled automatically.
func (c *Client) Invalidate(conversation string, block uint64) error {
	topic := codec.DeriveTopic(conversation)

	c.mu.RLock()
	followed, ok := c.conversations[topic]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFollowing, conversation)
	}
	followed.assembler.Invalidate(block)
	return nil
}

// LastMessages returns up to n most recent messages of a conversation in
// chronological order, walking the contract's backward block links instead
// of scanning ranges. It needs no Follow and touches no trail state.
func (c *Client) LastMessages(ctx context.Context, conversation string, n int) ([]trail.Record, error) {
	topic := codec.DeriveTopic(conversation)

	block, err := c.ledger.LastMessageBlock(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("resolve last message: %w", err)
	}

	// Collected newest-first, reversed before returning.
	var collected []trail.Record
	for block != 0 && len(collected) < n {
		raws, err := c.ledger.QueryRange(ctx, topic, block, block)
		if err != nil {
			return nil, fmt.Errorf("rewind query block %d: %w", block, err)
		}

		records, _ := codec.DecodeBatch(raws)
		if len(records) == 0 {
			// Broken back-link; nothing older is reachable this way.
			logrus.WithFields(logrus.Fields{
				"function":     "LastMessages",
				"conversation": conversation,
				"block":        block,
			}).Warn("Back-link points at a block with no records")
			break
		}

		for i := len(records) - 1; i >= 0 && len(collected) < n; i-- {
			collected = append(collected, records[i])
		}

		next := records[0].PrevBlock
		if next >= block {
			break
		}
		block = next
	}

	out := make([]trail.Record, len(collected))
	for i, r := range collected {
		out[len(collected)-1-i] = r
	}
	return out, nil
}

// Close stops every followed conversation and releases the ledger.
func (c *Client) Close() {
	c.cancel()

	c.mu.Lock()
	for topic, followed := range c.conversations {
		followed.cancel()
		delete(c.conversations, topic)
	}
	c.mu.Unlock()

	if closer, ok := c.ledger.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Client) stopConversation(topic [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	followed, ok := c.conversations[topic]
	if !ok {
		return false
	}
	followed.cancel()
	delete(c.conversations, topic)
	return true
}

// recordSource adapts the raw ledger query path into the assembler's
// decoded RangeSource. Malformed logs are dropped with a diagnostic and
// never abort the batch.
type recordSource struct {
	ledger chain.Ledger
}

func (s recordSource) HeadBlock(ctx context.Context) (uint64, error) {
	return s.ledger.HeadBlock(ctx)
}

func (s recordSource) QueryRange(ctx context.Context, topic [32]byte, from, to uint64) ([]trail.Record, error) {
	raws, err := s.ledger.QueryRange(ctx, topic, from, to)
	if err != nil {
		return nil, err
	}
	records, _ := codec.DecodeBatch(raws)
	return records, nil
}

var _ trail.RangeSource = recordSource{}
