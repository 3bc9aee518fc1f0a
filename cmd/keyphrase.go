package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/model"
)

var keyphraseCmd = &cobra.Command{
	Use:   "keyphrase",
	Short: "Manage stored keyphrase search volumes",
}

var keyphraseIngestCmd = &cobra.Command{
	Use:   "ingest <phrase> <count>",
	Short: "Store a search count for a phrase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := parseCount(args[1])
		if err != nil {
			return err
		}
		regions, _ := cmd.Flags().GetInt64Slice("regions")
		devices, _ := cmd.Flags().GetStringSlice("devices")

		env, err := initEnv(cmd.Context(), "keyphrase")
		if err != nil {
			return err
		}
		defer env.Close()

		k, err := env.Keyphrases.Ingest(cmd.Context(), args[0], regions, devices, count)
		if err != nil {
			return eris.Wrap(err, "keyphrase ingest")
		}
		return writeJSON(os.Stdout, k)
	},
}

var keyphraseDeleteCmd = &cobra.Command{
	Use:   "delete <phrase>",
	Short: "Soft-delete a phrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "keyphrase")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Keyphrases.SoftDelete(cmd.Context(), args[0]); err != nil {
			return eris.Wrap(err, "keyphrase delete")
		}
		zap.L().Info("keyphrase deleted", zap.String("phrase", args[0]))
		return nil
	},
}

var keyphraseRefreshCmd = &cobra.Command{
	Use:   "refresh <phrase>...",
	Short: "Fetch current volumes for stale phrases",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		regions, _ := cmd.Flags().GetInt64Slice("regions")
		devices, _ := cmd.Flags().GetStringSlice("devices")

		env, err := initEnv(ctx, "keyphrase")
		if err != nil {
			return err
		}
		defer env.Close()

		accounts, err := env.Store.ListAccounts(ctx, model.AccountKindStats)
		if err != nil {
			return eris.Wrap(err, "keyphrase refresh: load accounts")
		}

		res, refreshErr := env.Keyphrases.Refresh(ctx, accounts, args, regions, devices)
		if res != nil {
			if err := writeJSON(os.Stdout, res); err != nil {
				return err
			}
		}
		if refreshErr != nil {
			return eris.Wrap(refreshErr, "keyphrase refresh")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{keyphraseIngestCmd, keyphraseRefreshCmd} {
		c.Flags().Int64Slice("regions", nil, "region ids (default from config)")
		c.Flags().StringSlice("devices", nil, "device filters (default from config)")
	}

	keyphraseCmd.AddCommand(keyphraseIngestCmd)
	keyphraseCmd.AddCommand(keyphraseDeleteCmd)
	keyphraseCmd.AddCommand(keyphraseRefreshCmd)
	rootCmd.AddCommand(keyphraseCmd)
}

func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, eris.Errorf("invalid count %q", s)
	}
	return n, nil
}
