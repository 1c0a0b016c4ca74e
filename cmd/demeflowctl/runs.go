package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	api "demeflow/pkg/demeflow"
)

func newRunsCommand(global *globalFlags) *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored reconstructions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := openClient(cmd, global)
			if err != nil {
				return err
			}
			defer client.Close()

			items, err := client.Runs(cmd.Context(), api.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(out, "run_id=%s created=%s tree=%s tips=%d states=%d attempts=%d tolerance=%g\n",
					item.RunID,
					relativeTime(item.CreatedAtUTC),
					item.TreeSource,
					item.Tips,
					item.States,
					item.Attempts,
					item.Tolerance,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	return cmd
}

func newShowCommand(global *globalFlags) *cobra.Command {
	var ref api.RunRef
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the posteriors of one reconstruction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient(cmd, global)
			if err != nil {
				return err
			}
			defer client.Close()

			shown, err := client.Show(cmd.Context(), ref)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(shown)
			}
			return printReconstruction(out, shown)
		},
	}
	addRunRefFlags(cmd, &ref)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the reconstruction as JSON")
	return cmd
}

func printReconstruction(out io.Writer, shown api.ShowResult) error {
	rec := shown.Reconstruction
	fmt.Fprintf(out, "run_id=%s created=%s attempts=%d tolerance=%g evaluations=%s\n",
		rec.ID, relativeTime(rec.CreatedAtUTC), rec.Attempts, rec.Tolerance, humanize.Comma(int64(rec.Evaluations)))
	fmt.Fprintf(out, "root_state=%s root_posterior=%.3f mean_max_posterior=%.3f mean_entropy=%.3f\n",
		shown.Summary.RootState, shown.Summary.RootPosterior, shown.Summary.MeanMaxPosterior, shown.Summary.MeanEntropy)
	fmt.Fprintln(out, rec.Annotated)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "nr\tid\theight\tmax\t%s\n", strings.Join(rec.States, "\t"))
	for _, node := range rec.Nodes {
		probs := make([]string, len(node.Marginal))
		for i, p := range node.Marginal {
			probs[i] = fmt.Sprintf("%.3f", p)
		}
		maxState := ""
		if node.MaxState >= 0 && node.MaxState < len(rec.States) {
			maxState = rec.States[node.MaxState]
		}
		fmt.Fprintf(tw, "%d\t%s\t%g\t%s\t%s\n", node.Nr, node.ID, node.Height, maxState, strings.Join(probs, "\t"))
	}
	return tw.Flush()
}

func newExportCommand(global *globalFlags) *cobra.Command {
	var ref api.RunRef
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of one run to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient(cmd, global)
			if err != nil {
				return err
			}
			defer client.Close()

			exported, err := client.Export(cmd.Context(), api.ExportRequest{RunRef: ref, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", exported.RunID, filepath.Clean(exported.Directory))
			return nil
		},
	}
	addRunRefFlags(cmd, &ref)
	cmd.Flags().StringVar(&outDir, "out", "", "export output directory (defaults to --exports-dir)")
	return cmd
}

func newRatesCommand(global *globalFlags) *cobra.Command {
	var ref api.RunRef
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Print the effective population sizes a run used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient(cmd, global)
			if err != nil {
				return err
			}
			defer client.Close()

			trace, err := client.RateTrace(cmd.Context(), ref)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, strings.Join(trace.Columns, "\t"))
			values := make([]string, len(trace.Values))
			for i, v := range trace.Values {
				values[i] = fmt.Sprintf("%g", v)
			}
			fmt.Fprintln(out, strings.Join(values, "\t"))
			return nil
		},
	}
	addRunRefFlags(cmd, &ref)
	return cmd
}

func newDeleteCommand(global *globalFlags) *cobra.Command {
	var ref api.RunRef
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a run from the store and the runs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openClient(cmd, global)
			if err != nil {
				return err
			}
			defer client.Close()

			runID, err := client.Delete(cmd.Context(), ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted run_id=%s\n", runID)
			return nil
		},
	}
	addRunRefFlags(cmd, &ref)
	return cmd
}

func relativeTime(createdAtUTC string) string {
	ts, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return humanize.Time(ts)
}
