// Package sender submits outbound conversation messages as log-producing
// transactions and tracks their confirmation lifecycle.
//
// Sending never mutates a trail: a sent message only becomes part of its
// conversation's history once the resulting log record is independently
// observed through a range query or the live subscription.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail/chain"
)

var (
	// ErrInvalidTopic indicates a malformed conversation topic.
	ErrInvalidTopic = errors.New("invalid conversation topic")
	// ErrPayloadTooLarge indicates a payload above the transport limit,
	// rejected before submission.
	ErrPayloadTooLarge = errors.New("payload exceeds transport limit")
	// ErrSubmissionFailed indicates the node rejected the transaction.
	ErrSubmissionFailed = errors.New("transaction submission failed")
	// ErrInsufficientFunds indicates the signer cannot cover the fee.
	ErrInsufficientFunds = errors.New("insufficient funds for transaction")
	// ErrReverted indicates the mined transaction did not succeed.
	ErrReverted = errors.New("transaction reverted")
)

// DefaultMaxPayload is the payload cap applied before submission. Nodes
// reject transactions near 128KiB of calldata; staying under this leaves
// headroom for ABI framing.
const DefaultMaxPayload = 96 * 1024

// Status is the lifecycle state of a submitted message.
type Status uint8

const (
	// StatusPending means the transaction was accepted but not yet mined.
	StatusPending Status = iota
	// StatusConfirmed means the transaction was mined successfully.
	StatusConfirmed
	// StatusFailed means submission or execution failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result tracks one submitted message.
type Result struct {
	mu      sync.RWMutex
	ledger  chain.Ledger
	tx      *types.Transaction
	status  Status
	receipt *types.Receipt
	reason  error
}

// Status returns the current lifecycle state.
func (r *Result) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// TxHash returns the submitted transaction hash.
func (r *Result) TxHash() common.Hash {
	return r.tx.Hash()
}

// Receipt returns the confirmation receipt, nil while pending.
func (r *Result) Receipt() *types.Receipt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.receipt
}

// Err returns the failure reason, nil unless the result failed.
func (r *Result) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// Wait blocks until the transaction is mined and resolves the result to
// Confirmed or Failed. It is safe to call more than once.
func (r *Result) Wait(ctx context.Context) error {
	r.mu.RLock()
	if r.status != StatusPending {
		defer r.mu.RUnlock()
		return r.reason
	}
	r.mu.RUnlock()

	receipt, err := r.ledger.WaitConfirmed(ctx, r.tx)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.status = StatusFailed
		r.reason = fmt.Errorf("await confirmation: %w", err)
		return r.reason
	}

	r.receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.status = StatusFailed
		r.reason = fmt.Errorf("%w: tx %s", ErrReverted, r.tx.Hash().Hex())
		return r.reason
	}

	r.status = StatusConfirmed
	logrus.WithFields(logrus.Fields{
		"function": "Wait",
		"tx":       r.tx.Hash().Hex(),
		"block":    receipt.BlockNumber,
	}).Info("Message transaction confirmed")
	return nil
}

// Sender submits messages through the ledger.
type Sender struct {
	ledger     chain.Ledger
	maxPayload int
}

// New creates a sender. maxPayload <= 0 selects DefaultMaxPayload.
func New(ledger chain.Ledger, maxPayload int) *Sender {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Sender{ledger: ledger, maxPayload: maxPayload}
}

// Send validates and submits one message. On success the returned result is
// Pending; confirmation is driven separately via Result.Wait. Send gives no
// guarantee about when (or through which path) the corresponding log record
// surfaces.
func (s *Sender) Send(ctx context.Context, topic [32]byte, payload []byte) (*Result, error) {
	if topic == ([32]byte{}) {
		return nil, ErrInvalidTopic
	}
	if len(payload) > s.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), s.maxPayload)
	}

	tx, err := s.ledger.SubmitMessage(ctx, topic, payload)
	if err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"topic":    fmt.Sprintf("%x", topic[:8]),
		"tx":       tx.Hash().Hex(),
		"bytes":    len(payload),
	}).Debug("Message submitted, pending confirmation")

	return &Result{ledger: s.ledger, tx: tx, status: StatusPending}, nil
}
