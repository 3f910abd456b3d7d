// Callisto is a transparent tracing wrapper for an external coding
// assistant. It forces the wrapped binary through a loopback capture
// proxy, records every provider call, tool invocation and filesystem
// side-effect into an append-only JSONL log, and renders a self-contained
// HTML viewer when the session ends.
//
// Usage:
//
//	# Trace a session, forwarding the prompt to the wrapped binary
//	callisto "refactor the parser"
//
//	# Capture all traffic, not just provider hosts
//	callisto --include-all
//
//	# Resume the most recent session id
//	callisto --continue
//
//	# List recorded sessions
//	callisto sessions list
//
//	# Show version information
//	callisto version
package main

import "os"

func main() {
	os.Exit(Execute())
}
