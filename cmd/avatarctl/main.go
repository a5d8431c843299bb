// Command avatarctl drives the lip-sync worker from the command line: it
// precomputes subjects, renders videos, reports worker health and inspects the
// precompute cache.
package main

import (
	"fmt"
	"os"
)

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarctl: %v\n", err)
		os.Exit(1)
	}
}
