/*
Copyright © 2026 James Lawson (jpl-au) <hello@caelisco.net>
*/

// guide.go implements the "treedb guide" command for documentation access.
//
// Design: Guides are embedded in the binary via the guide package, ensuring
// documentation is always available without external files. Terminal output
// gets glamour rendering for readability; pipe/redirect gets raw markdown
// for machine consumption.

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jpl-au/treedb/guide"
)

var guideCmd = &cobra.Command{
	Use:   "guide [page]",
	Short: "Show the treedb usage guide",
	Long: `Outputs the treedb guide.

  treedb guide           # main guide
  treedb guide api       # HTTP endpoint reference
  treedb guide sessions  # session lifecycle and locking`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}

		content, err := guide.Get(name)
		if err != nil {
			available, listErr := guide.List()
			if listErr != nil {
				return listErr
			}
			return fmt.Errorf("guide %q not found. Available: %s", name, strings.Join(available, ", "))
		}

		if term.IsTerminal(int(os.Stdout.Fd())) {
			rendered, err := glamour.Render(content, "dark")
			if err == nil {
				fmt.Fprint(Out(), rendered)
				return nil
			}
		}

		fmt.Fprint(Out(), content)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(guideCmd)
}
