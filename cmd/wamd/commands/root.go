// Package commands implements the wamd CLI.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagGatewayURL string
	flagKeysPath   string
	flagStorePath  string
	flagVerbose    bool
)

// Root returns the top-level command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "wamd",
		Short:         "Encrypted messaging core client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagGatewayURL, "gateway", "wss://web.whatsapp.com/ws/chat", "gateway websocket URL")
	root.PersistentFlags().StringVar(&flagKeysPath, "keys-db", "", "key database path (default: data dir)")
	root.PersistentFlags().StringVar(&flagStorePath, "store-db", "", "chat store path (default: data dir)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(sendCmd())
	root.AddCommand(receiveCmd())
	return root
}

// buildLogger returns a production or development logger per the verbosity
// flag.
func buildLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
