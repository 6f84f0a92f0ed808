package main

import (
	"context"

	"github.com/spf13/cobra"
)

var pubRetain bool

var pubCmd = &cobra.Command{
	Use:   "pub <topic> <message>",
	Short: "Publish a message to a topic",
	Args:  cobra.ExactArgs(2),
	RunE:  runPub,
}

func init() {
	rootCmd.AddCommand(pubCmd)

	pubCmd.Flags().BoolVarP(&pubRetain, "retain", "r", false, "retain message")
}

func runPub(cmd *cobra.Command, args []string) error {
	c, err := connect(context.Background(), nil)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	return c.Publish(args[0], []byte(args[1]), pubRetain)
}
