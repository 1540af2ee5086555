// Command pairsignal runs the signaling server, the chat relay or a headless participant.
package main

import (
	"fmt"
	"os"

	"github.com/mentorlink/pairsignal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
