// Package chain wraps the external ledger client behind the minimal surface
// the trail engine needs: bounded range queries, live log subscriptions,
// and message submission.
//
// The two retrieval paths have different guarantees. Range queries are
// pull-based, bounded and idempotent. Subscriptions are push-based and
// unbounded; they may silently end on a connection drop, which is a fault,
// never a natural terminus.
package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSubscriptionEnded indicates a live subscription terminated without an
// explicit Unsubscribe.
var ErrSubscriptionEnded = errors.New("subscription ended unexpectedly")

// Subscription is an active live log feed for one conversation topic.
type Subscription interface {
	// Logs returns the channel delivering raw log entries in receipt order.
	Logs() <-chan types.Log

	// Err returns the channel that receives the terminal subscription
	// error. A delivery here means the feed is dead and must be reopened.
	Err() <-chan error

	// Unsubscribe cancels the subscription and releases its resources.
	Unsubscribe()
}

// Ledger is the external event-log provider. Implementations must apply
// their own request timeouts so no call blocks indefinitely.
type Ledger interface {
	// HeadBlock returns the current chain head block number.
	HeadBlock(ctx context.Context) (uint64, error)

	// QueryRange returns the raw PayloadSent logs for one conversation
	// topic in the inclusive block range [from, to], ordered as the node
	// returns them.
	QueryRange(ctx context.Context, topic [32]byte, from, to uint64) ([]types.Log, error)

	// Subscribe opens a live log feed for the topic starting at the given
	// block. It is cancellable via Unsubscribe or context cancellation.
	Subscribe(ctx context.Context, topic [32]byte, from uint64) (Subscription, error)

	// SubmitMessage signs and submits a sendMessage transaction carrying
	// the payload. It returns once the transaction is accepted by the
	// node, not once it is mined.
	SubmitMessage(ctx context.Context, topic [32]byte, payload []byte) (*types.Transaction, error)

	// LastMessageBlock returns the block number of the conversation's most
	// recent message per the contract's lastMessage view, zero if the
	// conversation has no messages.
	LastMessageBlock(ctx context.Context, topic [32]byte) (uint64, error)

	// WaitConfirmed blocks until the transaction is mined and returns its
	// receipt.
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}
