// Package codec translates between raw on-chain log entries and typed
// conversation message records.
//
// The wire shape is fixed for compatibility: the sender contract emits
//
//	PayloadSent(bytes32 indexed conversationId, bytes payload, uint256 prevChange)
//
// where prevChange is the block number of the previous message in the same
// conversation (zero for the first message). Conversation topics are the
// SHA3-256 hash of the conversation name.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/xps-labs/chaintrail/trail"
)

// ErrMalformedLog indicates a raw log entry that does not match the
// PayloadSent event shape. Malformed entries are dropped with a diagnostic;
// they must never abort processing of the remaining batch.
var ErrMalformedLog = errors.New("malformed payload log")

// EventSignature is the canonical signature of the message event.
const EventSignature = "PayloadSent(bytes32,bytes,uint256)"

const senderABIJSON = `[
	{"type":"event","name":"PayloadSent","inputs":[
		{"name":"conversationId","type":"bytes32","indexed":true},
		{"name":"payload","type":"bytes","indexed":false},
		{"name":"prevChange","type":"uint256","indexed":false}]},
	{"type":"function","name":"sendMessage","stateMutability":"nonpayable","inputs":[
		{"name":"conversationId","type":"bytes32"},
		{"name":"payload","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"lastMessage","stateMutability":"view","inputs":[
		{"name":"conversationId","type":"bytes32"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	senderABI abi.ABI

	// EventTopic is keccak256 of EventSignature, the topic0 every
	// PayloadSent log carries.
	EventTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(senderABIJSON))
	if err != nil {
		panic(fmt.Sprintf("codec: invalid sender ABI: %v", err))
	}
	senderABI = parsed
	EventTopic = crypto.Keccak256Hash([]byte(EventSignature))
}

// DeriveTopic hashes a conversation name into its fixed 32-byte topic.
func DeriveTopic(conversation string) [32]byte {
	return sha3.Sum256([]byte(conversation))
}

// DecodeLog decodes one raw log entry into a message record. It validates
// the event signature, the indexed conversation topic, and the two-field
// data shape; any mismatch fails with ErrMalformedLog.
func DecodeLog(raw types.Log) (trail.Record, error) {
	if len(raw.Topics) != 2 {
		return trail.Record{}, fmt.Errorf("%w: want 2 topics, got %d", ErrMalformedLog, len(raw.Topics))
	}
	if raw.Topics[0] != EventTopic {
		return trail.Record{}, fmt.Errorf("%w: unexpected event signature %s", ErrMalformedLog, raw.Topics[0].Hex())
	}

	values, err := senderABI.Unpack("PayloadSent", raw.Data)
	if err != nil {
		return trail.Record{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	payload, ok := values[0].([]byte)
	if !ok {
		return trail.Record{}, fmt.Errorf("%w: payload field has unexpected type", ErrMalformedLog)
	}
	prevChange, ok := values[1].(*big.Int)
	if !ok {
		return trail.Record{}, fmt.Errorf("%w: prevChange field has unexpected type", ErrMalformedLog)
	}

	record := trail.Record{
		Topic:       [32]byte(raw.Topics[1]),
		Payload:     payload,
		PrevBlock:   prevChange.Uint64(),
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.Index,
	}

	logrus.WithFields(logrus.Fields{
		"function": "DecodeLog",
		"topic":    raw.Topics[1].Hex(),
		"block":    raw.BlockNumber,
		"index":    raw.Index,
		"bytes":    len(payload),
	}).Trace("Decoded payload log")

	return record, nil
}

// DecodeBatch decodes a batch of raw logs, dropping malformed entries with
// a diagnostic instead of failing the batch. It returns the decoded records
// in input order and the number of dropped entries.
func DecodeBatch(raws []types.Log) ([]trail.Record, int) {
	records := make([]trail.Record, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		record, err := DecodeLog(raw)
		if err != nil {
			dropped++
			logrus.WithFields(logrus.Fields{
				"function": "DecodeBatch",
				"block":    raw.BlockNumber,
				"index":    raw.Index,
				"error":    err,
			}).Warn("Dropping malformed log entry")
			continue
		}
		records = append(records, record)
	}
	return records, dropped
}

// PackSendMessage encodes the call data for sendMessage(conversationId, payload).
func PackSendMessage(topic [32]byte, payload []byte) ([]byte, error) {
	data, err := senderABI.Pack("sendMessage", topic, payload)
	if err != nil {
		return nil, fmt.Errorf("pack sendMessage: %w", err)
	}
	return data, nil
}

// PackLastMessage encodes the call data for the lastMessage(conversationId) view.
func PackLastMessage(topic [32]byte) ([]byte, error) {
	data, err := senderABI.Pack("lastMessage", topic)
	if err != nil {
		return nil, fmt.Errorf("pack lastMessage: %w", err)
	}
	return data, nil
}

// UnpackLastMessage decodes the lastMessage return value: the block number
// of the conversation's most recent message, zero if none.
func UnpackLastMessage(ret []byte) (uint64, error) {
	values, err := senderABI.Unpack("lastMessage", ret)
	if err != nil {
		return 0, fmt.Errorf("unpack lastMessage: %w", err)
	}
	block, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unpack lastMessage: unexpected return type")
	}
	return block.Uint64(), nil
}

// EncodeLog builds a raw log carrying the given record, the inverse of
// DecodeLog. Test doubles use it to script a ledger without a contract.
func EncodeLog(record trail.Record) (types.Log, error) {
	data, err := senderABI.Events["PayloadSent"].Inputs.NonIndexed().Pack(
		record.Payload, new(big.Int).SetUint64(record.PrevBlock))
	if err != nil {
		return types.Log{}, fmt.Errorf("pack event data: %w", err)
	}
	return types.Log{
		Topics:      []common.Hash{EventTopic, common.Hash(record.Topic)},
		Data:        data,
		BlockNumber: record.BlockNumber,
		Index:       record.LogIndex,
	}, nil
}
