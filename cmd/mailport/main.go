// Command mailport migrates mailbox archives: it exports .mbox files to
// per-message .eml trees and imports those trees into size-bounded PST
// containers through the desktop mail application.
package main

import (
	"fmt"
	"os"

	"github.com/mailport/mailport/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
