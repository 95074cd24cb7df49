package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yeremiapane/restaurant-reservations/rules"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

// logLevel overrides LOG_LEVEL when set.
var logLevel string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reservations",
		Short:         "Restaurant reservation server and floor client",
		Version:       fmt.Sprintf("%s (%s)", Version, CommitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newUserCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newWatchCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(fromConfig string) {
	level := fromConfig
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "info"
	}
	utils.InitLogger(level)
}

// loadRules returns the compiled-in house rules unless path names a YAML
// rule file.
func loadRules(path string) (*rules.RuleSet, error) {
	if path == "" {
		return rules.Default(), nil
	}
	rs, err := rules.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", path, err)
	}
	return rs, nil
}
