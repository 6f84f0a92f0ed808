package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var subQoS uint8

var subCmd = &cobra.Command{
	Use:   "sub <topic>",
	Short: "Subscribe to a topic and print received messages",
	Long: `Subscribe to a topic filter and print every message as "topic payload"
until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSub,
}

func init() {
	rootCmd.AddCommand(subCmd)

	subCmd.Flags().Uint8VarP(&subQoS, "qos", "q", 0, "QoS level (0 or 1)")
}

func runSub(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	c, err := connect(ctx, func(topic string, payload []byte) {
		fmt.Fprintf(out, "%s %s\n", topic, payload)
	})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	if err = c.Subscribe(args[0], subQoS); err != nil {
		return err
	}

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err = c.Loop(); err != nil {
				return err
			}
		}
	}
}
