package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/cmakectl/pkg/state"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

func (c *CLI) newHistoryCmd() *cobra.Command {
	var (
		limit int
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent configure and generate runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.settings.BuildDir == "" {
				return fmt.Errorf("no build directory; pass --build or set build in cmakectl.yaml")
			}
			path := c.settings.HistoryPath()
			if !reset && !utils.FileExists(path) {
				c.printf("No history\n")
				return nil
			}

			h, err := state.Open(path)
			if err != nil {
				return err
			}
			defer h.Close()

			if reset {
				if err := h.Clear(); err != nil {
					return err
				}
				c.printf("History cleared\n")
				return nil
			}

			records, err := h.List(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				c.printf("No history\n")
				return nil
			}

			w := tabwriter.NewWriter(c.config.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOPERATION\tRESULT\tDURATION\tID")
			for _, rec := range records {
				result := color.GreenString("ok")
				if !rec.Succeeded() {
					result = color.RedString("exit %d", rec.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.Start.Local().Format(time.DateTime),
					rec.Operation,
					result,
					rec.Duration.Round(time.Millisecond),
					rec.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show, 0 for all")
	cmd.Flags().BoolVar(&reset, "clear", false, "delete the history")
	return cmd
}
