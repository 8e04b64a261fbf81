// stoat is the command-line interface for the go-stoat event-sourcing runtime.
//
// Usage:
//
//	stoat <command> [flags]
//
// Commands:
//
//	init        Write a stoat.yaml configuration file
//	migrate     Create the event store schema
//	stats       Show store bounds and counts
//	tail        Follow events as they are stored
//	serve       Serve the live feed over HTTP
//	version     Show version information
//
// Examples:
//
//	# Configure a SQLite store
//	stoat init --non-interactive
//
//	# Create the schema
//	stoat migrate
//
//	# Follow one aggregate type
//	stoat tail --pattern 'events/Todo/**'
//
//	# Serve the feed, stream reads and metrics
//	stoat serve --addr :8080
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-stoat/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
