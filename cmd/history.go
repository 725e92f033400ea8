// File: cmd/history.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/observability"
	"github.com/xkilldash9x/certidao-cli/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history [certificate-id]",
		Short: "Lists persisted run records, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			c, err := openRecorder(cmd.Context(), cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer c.Shutdown()

			certID := ""
			if len(args) == 1 {
				certID = args[0]
			}
			runs, err := c.Recorder.ListRuns(cmd.Context(), certID, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), runs)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "maximum number of records")
	return historyCmd
}

func printHistory(out io.Writer, runs []schemas.RunState) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCERTIFICATE\tSTATUS\tSTARTED\tDURATION\tRESULT")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		result := r.Protocol
		if r.LastError != nil {
			result = fmt.Sprintf("%s at step %d", r.LastError.Kind, r.LastError.StepIndex)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.CertificateID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04"), duration, result)
	}
	return tw.Flush()
}
