package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/policy"
)

var lintCmd = &cobra.Command{
	Use:   "lint <file>...",
	Short: "Validate policy documents",
	Long: `Parses and validates the given policy documents without starting the
server. Exits non-zero if any document has errors; warnings are printed but
do not fail the lint.`,
	Args: cobra.MinimumNArgs(1),
	// Linting needs no service configuration, skip the environment checks.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := expr.NewEngine()
		if err != nil {
			return fmt.Errorf("create expression engine: %w", err)
		}

		failed := false
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			docs, err := policy.ParseDocument(data, path, engine, nil)
			if err != nil {
				var syntaxErr *policy.SyntaxError
				if errors.As(err, &syntaxErr) {
					failed = true
					fmt.Printf("%s: INVALID\n", path)
					for _, issue := range syntaxErr.Issues {
						fmt.Printf("  %s\n", issue)
					}
					continue
				}
				return fmt.Errorf("parse %s: %w", path, err)
			}

			fmt.Printf("%s: OK\n", path)
			for _, doc := range docs {
				for _, issue := range doc.Warnings {
					fmt.Printf("  %s\n", issue)
				}
			}
		}

		if failed {
			return fmt.Errorf("one or more policy documents are invalid")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
