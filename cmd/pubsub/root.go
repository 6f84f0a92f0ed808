package main

import (
	"context"
	"time"

	"github.com/RoanBrand/gopubsub"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	broker    string
	clientID  string
	username  string
	password  string
	websocket bool
	keepAlive time.Duration
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "pubsub",
	Short: "Minimal MQTT 3.1.1 command line client",
	Long: `pubsub talks to an MQTT broker over TCP or websockets.

Examples:
  # Throw a turnout
  pubsub pub /trains/track/turnout/5001 THROWN --retain

  # Watch all sensors
  pubsub sub "/trains/track/sensor/#"`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&broker, "broker", "b", "localhost:1883", "broker address host[:port]")
	rootCmd.PersistentFlags().StringVar(&clientID, "id", "", "client ID (generated if empty)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "username for authentication")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "P", "", "password for authentication")
	rootCmd.PersistentFlags().BoolVar(&websocket, "ws", false, "connect over websocket")
	rootCmd.PersistentFlags().DurationVar(&keepAlive, "keepalive", gopubsub.DefaultKeepAlive, "keep-alive interval, 0 disables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log packet traffic")
}

func connect(ctx context.Context, handler gopubsub.MessageHandler) (*gopubsub.Client, error) {
	opts := []gopubsub.Option{gopubsub.WithKeepAlive(keepAlive)}
	if websocket {
		opts = append(opts, gopubsub.WithWebsocket())
	}
	if handler != nil {
		opts = append(opts, gopubsub.WithHandler(handler))
	}

	c, err := gopubsub.NewClient(broker, opts...)
	if err != nil {
		return nil, err
	}

	id := clientID
	if id == "" {
		id = "pubsub-" + uuid.NewString()[:8]
	}
	err = c.Connect(ctx, gopubsub.ConnectOptions{
		ClientID: id,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", broker)
	}
	return c, nil
}
