package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockLedger implements Ledger for testing. Tests script its log content,
// head block and failure modes, and inspect what was queried and submitted.
type MockLedger struct {
	mu sync.Mutex

	head      uint64
	logs      []types.Log
	lastBlock map[[32]byte]uint64
	receipts  map[common.Hash]*types.Receipt

	headErr      error
	queryErr     error
	submitErr    error
	subscribeErr error

	queries     []MockQuery
	submissions []MockSubmission
	subs        []*MockSubscription

	nextNonce uint64
}

// MockQuery records one QueryRange call.
type MockQuery struct {
	Topic [32]byte
	From  uint64
	To    uint64
}

// MockSubmission records one SubmitMessage call.
type MockSubmission struct {
	Topic   [32]byte
	Payload []byte
	Tx      *types.Transaction
}

// NewMockLedger creates an empty scripted ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		lastBlock: make(map[[32]byte]uint64),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

// SetHead scripts the chain head block number.
func (m *MockLedger) SetHead(head uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = head
}

// AddLogs scripts historical log content returned by QueryRange.
func (m *MockLedger) AddLogs(logs ...types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
}

// SetLastMessageBlock scripts the lastMessage view result for a topic.
func (m *MockLedger) SetLastMessageBlock(topic [32]byte, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBlock[topic] = block
}

// SetErrors scripts failures for head queries, range queries and submissions.
func (m *MockLedger) SetErrors(headErr, queryErr, submitErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headErr, m.queryErr, m.submitErr = headErr, queryErr, submitErr
}

// SetSubscribeError scripts Subscribe failures until cleared with nil.
func (m *MockLedger) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Queries returns the recorded QueryRange calls.
func (m *MockLedger) Queries() []MockQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockQuery, len(m.queries))
	copy(out, m.queries)
	return out
}

// Submissions returns the recorded SubmitMessage calls.
func (m *MockLedger) Submissions() []MockSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSubmission, len(m.submissions))
	copy(out, m.submissions)
	return out
}

// HeadBlock implements Ledger.
func (m *MockLedger) HeadBlock(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return 0, m.headErr
	}
	return m.head, nil
}

// QueryRange implements Ledger. It filters the scripted logs by topic and
// block range, preserving insertion order.
func (m *MockLedger) QueryRange(ctx context.Context, topic [32]byte, from, to uint64) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries = append(m.queries, MockQuery{Topic: topic, From: from, To: to})
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []types.Log
	for _, l := range m.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(l.Topics) >= 2 && l.Topics[1] != common.Hash(topic) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Subscribe implements Ledger. The returned subscription is driven by the
// test through Push and Fail.
func (m *MockLedger) Subscribe(ctx context.Context, topic [32]byte, from uint64) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	sub := &MockSubscription{
		Topic: topic,
		From:  from,
		logs:  make(chan types.Log, 64),
		errs:  make(chan error, 1),
	}
	m.subs = append(m.subs, sub)
	return sub, nil
}

// Subscriptions returns every subscription opened so far, in order.
func (m *MockLedger) Subscriptions() []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockSubscription, len(m.subs))
	copy(out, m.subs)
	return out
}

// SubmitMessage implements Ledger.
func (m *MockLedger) SubmitMessage(ctx context.Context, topic [32]byte, payload []byte) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return nil, m.submitErr
	}

	tx := types.NewTransaction(m.nextNonce, common.Address{}, common.Big0, DefaultGasLimit, big.NewInt(1), payload)
	m.nextNonce++
	m.submissions = append(m.submissions, MockSubmission{Topic: topic, Payload: payload, Tx: tx})
	m.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(m.head),
	}
	return tx, nil
}

// FailReceipt scripts a failed receipt for an already submitted transaction.
func (m *MockLedger) FailReceipt(txHash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[txHash] = &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: txHash}
}

// LastMessageBlock implements Ledger.
func (m *MockLedger) LastMessageBlock(ctx context.Context, topic [32]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBlock[topic], nil
}

// WaitConfirmed implements Ledger.
func (m *MockLedger) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if receipt, ok := m.receipts[tx.Hash()]; ok {
		return receipt, nil
	}
	return nil, ctx.Err()
}

// MockSubscription is a test-driven live feed.
type MockSubscription struct {
	Topic [32]byte
	From  uint64

	logs chan types.Log
	errs chan error

	closed sync.Once
}

// Push delivers a raw log to the subscriber.
func (s *MockSubscription) Push(l types.Log) {
	s.logs <- l
}

// Fail injects a terminal subscription error.
func (s *MockSubscription) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *MockSubscription) Logs() <-chan types.Log { return s.logs }
func (s *MockSubscription) Err() <-chan error      { return s.errs }

func (s *MockSubscription) Unsubscribe() {
	s.closed.Do(func() { close(s.logs) })
}

var _ Ledger = (*MockLedger)(nil)
