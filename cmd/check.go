package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeremiapane/restaurant-reservations/rules"
)

func newCheckCmd() *cobra.Command {
	var rulesFile, at string

	c := &cobra.Command{
		Use:   "check [request.json]",
		Short: "Evaluate a reservation request against the availability rules",
		Long: "Reads a JSON availability request from the file argument, or stdin when\n" +
			"it is absent or \"-\", and prints the verdict as JSON. Exits non-zero\n" +
			"when the request is not admissible.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := loadRules(rulesFile)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var req rules.Request
			if err := json.NewDecoder(in).Decode(&req); err != nil {
				return fmt.Errorf("decoding request: %w", err)
			}
			if at != "" {
				req.CurrentInstant, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			if req.CurrentInstant.IsZero() {
				req.CurrentInstant = time.Now()
			}

			v := rules.Evaluate(rs, req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(v); err != nil {
				return err
			}
			if !v.Admissible {
				return fmt.Errorf("not admissible: %s", v.Summary())
			}
			return nil
		},
	}

	c.Flags().StringVar(&rulesFile, "rules", "", "YAML rule file (defaults to the built-in house rules)")
	c.Flags().StringVar(&at, "at", "", "evaluate as of this RFC 3339 instant instead of now")
	return c
}
