// Package main is the archon proxy binary. Archon sits between
// OpenAI-compatible clients and LLM providers, adding capability-aware
// routing, an agentic tool-execution loop, and durable turn recording.
package main

import (
	"errors"
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
