package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail/codec"
)

const (
	// DefaultGasLimit caps the gas of a sendMessage transaction.
	DefaultGasLimit = 250_000

	// DefaultRequestTimeout bounds every ledger round trip.
	DefaultRequestTimeout = 30 * time.Second

	subscribeBuffer = 128
)

// EthLedger implements Ledger on top of an Ethereum JSON-RPC endpoint.
// Subscriptions require a websocket endpoint.
type EthLedger struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	timeout  time.Duration
}

// DialEthLedger connects to the RPC endpoint, resolves the chain ID, and
// derives the signing account from the hex private key.
func DialEthLedger(ctx context.Context, rpcURL, privateKeyHex string, contract common.Address, timeout time.Duration) (*EthLedger, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	logrus.WithFields(logrus.Fields{
		"function": "DialEthLedger",
		"chain_id": chainID.String(),
		"contract": contract.Hex(),
		"account":  from.Hex(),
	}).Info("Connected to ledger")

	return &EthLedger{
		client:   client,
		contract: contract,
		key:      key,
		from:     from,
		chainID:  chainID,
		gasLimit: DefaultGasLimit,
		timeout:  timeout,
	}, nil
}

// Close releases the underlying RPC connection.
func (l *EthLedger) Close() {
	l.client.Close()
}

// Account returns the address messages are sent from.
func (l *EthLedger) Account() common.Address {
	return l.from
}

func (l *EthLedger) filterQuery(topic [32]byte, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{l.contract},
		Topics: [][]common.Hash{
			{codec.EventTopic},
			{common.Hash(topic)},
		},
	}
}

// HeadBlock implements Ledger.
func (l *EthLedger) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("query head block: %w", err)
	}
	return head, nil
}

// QueryRange implements Ledger.
func (l *EthLedger) QueryRange(ctx context.Context, topic [32]byte, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.filterQuery(topic, new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
	logs, err := l.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "QueryRange",
		"from":     from,
		"to":       to,
		"logs":     len(logs),
	}).Debug("Range query complete")

	return logs, nil
}

// Subscribe implements Ledger. The from block is included in the filter
// query; providers that ignore it for live subscriptions still work because
// the assembler rebackfills from its cursor on every reopen.
func (l *EthLedger) Subscribe(ctx context.Context, topic [32]byte, from uint64) (Subscription, error) {
	connectCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	logs := make(chan types.Log, subscribeBuffer)
	query := l.filterQuery(topic, new(big.Int).SetUint64(from), nil)
	sub, err := l.client.SubscribeFilterLogs(connectCtx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	return &ethSubscription{sub: sub, logs: logs}, nil
}

type ethSubscription struct {
	sub  ethereum.Subscription
	logs chan types.Log
}

func (s *ethSubscription) Logs() <-chan types.Log { return s.logs }
func (s *ethSubscription) Err() <-chan error      { return s.sub.Err() }
func (s *ethSubscription) Unsubscribe()           { s.sub.Unsubscribe() }

// SubmitMessage implements Ledger.
func (l *EthLedger) SubmitMessage(ctx context.Context, topic [32]byte, payload []byte) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := codec.PackSendMessage(topic, payload)
	if err != nil {
		return nil, err
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("query nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, l.contract, common.Big0, l.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SubmitMessage",
		"tx":       signed.Hash().Hex(),
		"nonce":    nonce,
		"bytes":    len(payload),
	}).Info("Submitted message transaction")

	return signed, nil
}

// LastMessageBlock implements Ledger.
func (l *EthLedger) LastMessageBlock(ctx context.Context, topic [32]byte) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := codec.PackLastMessage(topic)
	if err != nil {
		return 0, err
	}

	ret, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call lastMessage: %w", err)
	}
	return codec.UnpackLastMessage(ret)
}

// WaitConfirmed implements Ledger.
func (l *EthLedger) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	return receipt, nil
}

var _ Ledger = (*EthLedger)(nil)
