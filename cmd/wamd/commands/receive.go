package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wamd"
	"wamd/internal/socket"
	"wamd/internal/wamessage"
)

func receiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Connect and print incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			events := socket.Events{
				OnNewMessage: func(info *wamessage.Info) {
					switch content := info.Message.DeepContent().(type) {
					case *wamessage.TextMessage:
						fmt.Printf("[%s] %s: %s\n", info.Key.ChatJID, info.PushName, content.Text)
					default:
						fmt.Printf("[%s] %s: <%T>\n", info.Key.ChatJID, info.PushName, content)
					}
				},
				OnMessageDeleted: func(info *wamessage.Info, fromRemote bool) {
					fmt.Printf("[%s] message %s revoked\n", info.Key.ChatJID, info.Key.ID)
				},
			}

			client, err := wamd.Connect(cmd.Context(), wamd.Config{
				GatewayURL: flagGatewayURL,
				KeysPath:   flagKeysPath,
				StorePath:  flagStorePath,
				Events:     events,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer client.Close()
			client.Gateway.MarkReady()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}
