// Command producer sends a configured number of generated messages to one
// conversation. It exists to exercise and demonstrate the send path.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xps-labs/chaintrail"
	"github.com/xps-labs/chaintrail/appenv"
)

var loremWords = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipiscing",
	"elit", "sed", "do", "eiusmod", "tempor", "incididunt", "ut", "labore",
	"et", "dolore", "magna", "aliqua", "enim", "ad", "minim", "veniam",
	"quis", "nostrud", "exercitation", "ullamco", "laboris", "nisi",
	"aliquip", "ex", "ea", "commodo", "consequat",
}

// loremMessage builds a filler message of at least size bytes.
func loremMessage(size int) string {
	var b strings.Builder
	for i := 0; b.Len() < size; i++ {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(loremWords[i%len(loremWords)])
	}
	return b.String()
}

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

	message := loremMessage(int(env.MessageSize))
	for i := uint32(0); i < env.MessageCount; i++ {
		logrus.WithFields(logrus.Fields{
			"conversation": env.ConversationID,
			"bytes":        len(message),
		}).Info("Sending message")

		result, err := client.SendMessage(ctx, env.ConversationID, []byte(message))
		if err != nil {
			logrus.WithError(err).Fatal("Send failed")
		}
		if err := result.Wait(ctx); err != nil {
			logrus.WithError(err).Fatal("Confirmation failed")
		}
		logrus.WithField("tx", result.TxHash().Hex()).Info("Message confirmed")
	}
}
