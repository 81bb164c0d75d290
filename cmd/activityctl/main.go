// Command activityctl imports, rebuilds and exports guild activity counters
// directly against a counter store.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints the user-facing message. The technical error is only
// logged, so it shows up with --log-level debug.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", core.FormatUserError(err))
	slog.Debug("command.failed", "error", err)
}
