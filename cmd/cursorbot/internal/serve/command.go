package serve

import (
	"github.com/spf13/cobra"
)

// NewServeCommand builds the "serve" subcommand, grounded on the teacher's
// NewGatewayCommand (cmd/picoclaw/internal/gateway/command.go): same
// debug/log-filter flag pair, same Args/RunE shape.
func NewServeCommand() *cobra.Command {
	var debug bool
	var logFilter string
	var configPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the CursorBot gateway",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(debug, logFilter, configPath)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFilter, "log-filter", "", "Filter logs by component (comma separated)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "cursorbot.yaml", "Path to the YAML config file")

	return cmd
}
