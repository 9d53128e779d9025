// Command wamd is a thin CLI over the messaging core: send a message, sit on
// the socket and print what arrives.
package main

import (
	"fmt"
	"os"

	"wamd/cmd/wamd/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
