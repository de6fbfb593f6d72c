// Package appenv loads the application environment for the producer and
// consumer commands: RPC endpoint, signing keys, conversation identity and
// message shaping knobs, all from environment variables with optional .env
// loading.
package appenv

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment is the full configuration surface of the commands.
type Environment struct {
	RPCURL         string `env:"RPC_URL,required"`
	PublicKey      string `env:"PUBLIC_KEY,required"`
	PrivateKey     string `env:"PRIVATE_KEY,required"`
	ConversationID string `env:"CONVERSATION_ID,required"`
	MessageCount   uint32 `env:"MESSAGE_COUNT,required"`
	MessageSize    uint32 `env:"MESSAGE_SIZE,required"`

	// ContractAddress optionally overrides the default sender contract.
	ContractAddress string `env:"CONTRACT_ADDRESS"`
}

// Init loads a .env file if one is present. Missing files are fine; real
// environment variables always win.
func Init() {
	_ = godotenv.Load()
}

// Load parses the environment into an Environment. Every missing or
// malformed required variable is an error.
func Load() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return Environment{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Scram masks a secret for logging: one asterisk per character, capped at
// ten so the mask leaks no length information beyond that.
func Scram(value string) string {
	n := len(value)
	if n > 10 {
		n = 10
	}
	return strings.Repeat("*", n)
}

// Log prints the environment with secrets masked. The RPC URL is truncated
// at its /v2/ segment because hosted providers embed the API key there.
func (e Environment) Log() {
	logrus.WithFields(logrus.Fields{
		"rpc_url":         strings.SplitN(e.RPCURL, "v2", 2)[0],
		"private_key":     Scram(e.PrivateKey),
		"conversation_id": e.ConversationID,
		"message_count":   e.MessageCount,
		"message_size":    e.MessageSize,
	}).Info("Environment loaded")
}
