// Command cursorbot is the process entrypoint: a cobra root command
// wrapping the single "serve" subcommand that starts the gateway.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cursorbot/cursorbot/cmd/cursorbot/internal/serve"
	"github.com/cursorbot/cursorbot/pkg/cerr"
	"github.com/cursorbot/cursorbot/pkg/lifecycle"
)

func main() {
	root := &cobra.Command{
		Use:   "cursorbot",
		Short: "CursorBot multi-platform chat gateway",
	}
	root.AddCommand(serve.NewServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error onto spec.md:248's exit codes: 2 for a
// configuration/environment validation failure, 130 for a signal-initiated
// shutdown, 1 otherwise.
func exitCodeFor(err error) int {
	switch {
	case cerr.Is(err, cerr.Validation):
		return 2
	case errors.Is(err, lifecycle.ErrSignalShutdown):
		return 130
	default:
		return 1
	}
}
