package main

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/model"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate, retry, deliver and inspect reports",
}

// -- report start --

var reportStartCmd = &cobra.Command{
	Use:   "start <report-id>",
	Short: "Start a new generation run of a pending report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetStringSlice("artifacts")
		sel, err := parseSelection(raw)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		r, runErr := env.Pipeline.Run(cmd.Context(), id, sel)
		return finishReport(os.Stdout, r, runErr, "report start")
	},
}

// -- report retry --

var reportRetryCmd = &cobra.Command{
	Use:   "retry <report-id>",
	Short: "Retry a failed report run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		r, runErr := env.Pipeline.Resume(cmd.Context(), id, force)
		return finishReport(os.Stdout, r, runErr, "report retry")
	},
}

// -- report deliver --

var reportDeliverCmd = &cobra.Command{
	Use:   "deliver <report-id>",
	Short: "Mark a ready report as delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		r, err := env.Machine.Deliver(cmd.Context(), id, by)
		return finishReport(os.Stdout, r, err, "report deliver")
	},
}

// -- report fail --

var reportFailCmd = &cobra.Command{
	Use:   "fail <report-id>",
	Short: "Fail a report stuck in generating so it can be retried",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		r, err := env.Pipeline.Abandon(cmd.Context(), id, reason)
		return finishReport(os.Stdout, r, err, "report fail")
	},
}

// -- report show --

var reportShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a report and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, err := st.GetReport(cmd.Context(), id)
		if err != nil {
			return eris.Wrap(err, "report show")
		}
		return writeJSON(os.Stdout, r)
	},
}

func init() {
	reportStartCmd.Flags().StringSlice("artifacts", nil, "artifact kinds to generate (default: the report's stored selection)")
	reportRetryCmd.Flags().Bool("force", false, "retry even when automatic retries are exhausted")
	reportDeliverCmd.Flags().String("by", "", "who delivered the report (required)")
	_ = reportDeliverCmd.MarkFlagRequired("by")
	reportFailCmd.Flags().String("reason", "failed by operator", "reason recorded on the report")

	reportCmd.AddCommand(reportStartCmd)
	reportCmd.AddCommand(reportRetryCmd)
	reportCmd.AddCommand(reportDeliverCmd)
	reportCmd.AddCommand(reportFailCmd)
	reportCmd.AddCommand(reportShowCmd)
	rootCmd.AddCommand(reportCmd)
}

// finishReport prints whatever report state a run reached, then returns
// the run error. A failed run still prints the failed report.
func finishReport(w io.Writer, r *model.Report, runErr error, op string) error {
	if r != nil {
		if err := writeJSON(w, r); err != nil {
			return err
		}
		zap.L().Info("report state",
			zap.Int64("report_id", r.ID),
			zap.String("status", string(r.Status)),
			zap.Int("attempts", r.Attempts),
			zap.Bool("exhausted", r.Exhausted),
		)
	}
	if runErr != nil {
		return eris.Wrap(runErr, op)
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseSelection turns artifact kind names into a selection. No names means
// nil: keep the stored selection.
func parseSelection(raw []string) (model.Selection, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	sel := make(model.Selection, 0, len(raw))
	for _, name := range raw {
		kind, err := model.ParseArtifactKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		sel = append(sel, kind)
	}
	return sel, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
