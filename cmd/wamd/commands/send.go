package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wamd"
	"wamd/internal/wajid"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <jid> <text>",
		Short: "Send a text message to a user or group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := wajid.Parse(args[0])
			if err != nil {
				return err
			}

			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			client, err := wamd.Connect(ctx, wamd.Config{
				GatewayURL: flagGatewayURL,
				KeysPath:   flagKeysPath,
				StorePath:  flagStorePath,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer client.Close()
			client.Gateway.MarkReady()

			info, err := client.SendText(ctx, chat, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("sent %s to %s\n", info.Key.ID, chat)
			return nil
		},
	}
}
