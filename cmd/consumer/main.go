// Command consumer prints a conversation's recent history and then follows
// it live until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail"
	"github.com/xps-labs/chaintrail/appenv"
	"github.com/xps-labs/chaintrail/trail"
)

const maxRewind = 1000

func main() {
	logrus.SetLevel(logrus.DebugLevel)

	appenv.Init()
	env, err := appenv.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid environment")
	}
	env.Log()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	options := chaintrail.NewOptions()
	options.RPCURL = env.RPCURL
	options.PrivateKey = env.PrivateKey
	if env.ContractAddress != "" {
		options.ContractAddress = env.ContractAddress
	}

	client, err := chaintrail.New(ctx, options)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create client")
	}
	defer client.Close()

	rewind := int(env.MessageCount)
	if rewind > maxRewind {
		rewind = maxRewind
	}

	history, err := client.LastMessages(ctx, env.ConversationID, rewind)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to rewind conversation")
	}
	for i, record := range history {
		logrus.WithFields(logrus.Fields{
			"n":       i,
			"block":   record.BlockNumber,
			"message": string(record.Payload),
		}).Info("History")
	}

	err = client.Follow(ctx, env.ConversationID, func(record trail.Record) {
		logrus.WithFields(logrus.Fields{
			"block":   record.BlockNumber,
			"index":   record.LogIndex,
			"message": string(record.Payload),
		}).Info("Message")
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to follow conversation")
	}

	<-ctx.Done()
}
