package codec

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xps-labs/chaintrail/trail"
)

// TestDeriveTopic pins the SHA3-256 derivation with a known vector.
func TestDeriveTopic(t *testing.T) {
	expected := [32]byte{
		54, 240, 40, 88, 11, 176, 44, 200, 39, 42, 154, 2, 15, 66, 0, 227,
		70, 226, 118, 174, 102, 78, 69, 238, 128, 116, 85, 116, 226, 245, 171, 128,
	}
	assert.Equal(t, expected, DeriveTopic("test"))
}

func TestDeriveTopic_DistinctConversations(t *testing.T) {
	assert.NotEqual(t, DeriveTopic("alice"), DeriveTopic("bob"))
	assert.Equal(t, DeriveTopic("alice"), DeriveTopic("alice"))
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("PayloadSent(bytes32,bytes,uint256)")), EventTopic)
}

func TestDecodeLog_RoundTrip(t *testing.T) {
	record := trail.Record{
		Topic:       DeriveTopic("round-trip"),
		Payload:     []byte("hello, chain"),
		PrevBlock:   97,
		BlockNumber: 104,
		LogIndex:    3,
	}

	raw, err := EncodeLog(record)
	require.NoError(t, err)

	decoded, err := DecodeLog(raw)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
}

func TestDecodeLog_Malformed(t *testing.T) {
	topic := DeriveTopic("malformed")
	good, err := EncodeLog(trail.Record{Topic: topic, Payload: []byte("x"), BlockNumber: 10})
	require.NoError(t, err)

	t.Run("wrong event signature", func(t *testing.T) {
		raw := good
		raw.Topics = []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), common.Hash(topic)}
		_, err := DecodeLog(raw)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})

	t.Run("missing conversation topic", func(t *testing.T) {
		raw := good
		raw.Topics = []common.Hash{EventTopic}
		_, err := DecodeLog(raw)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})

	t.Run("truncated data", func(t *testing.T) {
		raw := good
		raw.Data = []byte{0x01, 0x02, 0x03}
		_, err := DecodeLog(raw)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})

	t.Run("empty data", func(t *testing.T) {
		raw := good
		raw.Data = nil
		_, err := DecodeLog(raw)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})
}

// TestDecodeBatch_SingleBadEntry verifies one malformed record never aborts
// the rest of the batch.
func TestDecodeBatch_SingleBadEntry(t *testing.T) {
	topic := DeriveTopic("batch")

	raws := make([]types.Log, 0, 5)
	for i := 0; i < 5; i++ {
		raw, err := EncodeLog(trail.Record{
			Topic:       topic,
			Payload:     []byte{byte('a' + i)},
			BlockNumber: uint64(100 + i),
		})
		require.NoError(t, err)
		raws = append(raws, raw)
	}
	// Corrupt the middle entry's event signature.
	raws[2].Topics[0] = crypto.Keccak256Hash([]byte("bogus()"))

	records, dropped := DecodeBatch(raws)
	assert.Equal(t, 1, dropped)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.NotEqual(t, uint64(102), r.BlockNumber)
	}
}

func TestPackSendMessage(t *testing.T) {
	topic := DeriveTopic("pack")
	data, err := PackSendMessage(topic, []byte("payload"))
	require.NoError(t, err)

	// Selector plus ABI-encoded arguments.
	require.Greater(t, len(data), 4)
	method, err := senderABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "sendMessage", method.Name)

	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, topic, values[0].([32]byte))
	assert.Equal(t, []byte("payload"), values[1].([]byte))
}

func TestLastMessagePackUnpack(t *testing.T) {
	topic := DeriveTopic("last")
	data, err := PackLastMessage(topic)
	require.NoError(t, err)
	method, err := senderABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "lastMessage", method.Name)

	ret, err := senderABI.Methods["lastMessage"].Outputs.Pack(big.NewInt(12345))
	require.NoError(t, err)
	block, err := UnpackLastMessage(ret)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), block)
}

func TestUnpackLastMessage_Garbage(t *testing.T) {
	_, err := UnpackLastMessage([]byte{0x01})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedLog), "call plumbing errors are not log shape errors")
}
