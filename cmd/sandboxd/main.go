// Package main is the entry point for sandboxd.
//
// sandboxd provisions sandboxes across Docker and cloud providers, races
// coding-agent runs across them in parallel, and serves the orchestration
// API. The same binary carries the client commands for talking to a running
// server.
//
// Usage:
//
//	sandboxd serve [flags]
//	sandboxd run --repo URL --task "..." --providers docker,e2b
//	sandboxd sandbox create|destroy|ls|cat|exec|list
//	sandboxd keys list|add|rm
package main

import "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/cli"

func main() {
	cli.Execute()
}
