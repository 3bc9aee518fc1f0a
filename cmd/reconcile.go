package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <request-id>",
	Short: "Show how a request reconciles against live campaigns without saving",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Reconcile(cmd.Context(), id)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		return writeJSON(os.Stdout, res)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
