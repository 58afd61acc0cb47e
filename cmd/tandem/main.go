// Command tandem runs the agent runtime from a terminal: one-shot or
// interactive chat sessions, session inspection, and optional metrics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
