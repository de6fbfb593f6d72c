package chaintrail

import (
	"time"

	"github.com/xps-labs/chaintrail/chain"
	"github.com/xps-labs/chaintrail/sender"
	"github.com/xps-labs/chaintrail/subscription"
)

// DefaultSenderContract is the deployed message sender contract.
const DefaultSenderContract = "0x15aE865d0645816d8EEAB0b7496fdd24227d1801"

// RequiredConfirmations is how many blocks a message transaction must be
// buried under before it is reported confirmed.
const RequiredConfirmations = 1

// Options contains configuration for creating a Client.
type Options struct {
	// RPCURL is the ledger endpoint. Following live conversations requires
	// a websocket URL.
	RPCURL string

	// PrivateKey is the hex-encoded signing key for outbound messages.
	PrivateKey string

	// ContractAddress overrides DefaultSenderContract when non-empty.
	ContractAddress string

	// StartBlock is where initial backfills begin. Zero means genesis.
	StartBlock uint64

	// RequestTimeout bounds every ledger round trip.
	RequestTimeout time.Duration

	// MaxPayload caps outbound payload size. Zero selects the sender
	// package default.
	MaxPayload int

	// Subscription bounds the live feed's reopen backoff.
	Subscription subscription.Config
}

// NewOptions creates Options with production defaults.
func NewOptions() *Options {
	return &Options{
		ContractAddress: DefaultSenderContract,
		RequestTimeout:  chain.DefaultRequestTimeout,
		MaxPayload:      sender.DefaultMaxPayload,
		Subscription: subscription.Config{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			DegradedAfter:  5,
		},
	}
}
