// Command ema-tutor speaks lesson text and runs live conversation turns
// against a streaming speech model.
//
// Usage:
//
//	ema-tutor [flags] <command> [args]
//
// Commands:
//
//	speak     - read lines aloud, caching each line's audio
//	converse  - run live conversation turns from the microphone
//	history   - print a stored conversation
//	replay    - play a stored line from the audio cache
//	cache     - inspect or clear the audio cache
package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-tutor/cmd/ema-tutor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.ErrorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
