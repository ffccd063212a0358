package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/variant-optimizer/internal/experiment"
	"github.com/sells-group/variant-optimizer/internal/model"
)

var (
	defFile  string
	defOwner string
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage experiments",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an experiment from a YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "experiment")
		if err != nil {
			return err
		}
		defer env.Close()
		return runExperimentCreate(cmd.Context(), env.Experiments, defFile, defOwner, cmd.OutOrStdout())
	},
}

var experimentStatusCmd = &cobra.Command{
	Use:   "status <experiment-id> <status>",
	Short: "Move an experiment to a new status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "experiment")
		if err != nil {
			return err
		}
		defer env.Close()
		return env.Experiments.SetStatus(cmd.Context(), args[0], defOwner, model.ExperimentStatus(args[1]))
	},
}

var experimentInsightsCmd = &cobra.Command{
	Use:   "insights <experiment-id>",
	Short: "Print an experiment's performance report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "experiment")
		if err != nil {
			return err
		}
		defer env.Close()
		exp, err := env.Experiments.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if exp.OwnerID != defOwner {
			return eris.Errorf("experiment %s is not owned by %s", exp.ID, defOwner)
		}
		ins, err := env.Experiments.Insights(cmd.Context(), exp.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ins)
	},
}

func runExperimentCreate(ctx context.Context, svc *experiment.Service, path, ownerID string, out io.Writer) error {
	req, err := loadExperimentDef(path, ownerID)
	if err != nil {
		return err
	}
	exp, variants, err := svc.Create(ctx, req)
	if err != nil {
		return eris.Wrap(err, "create experiment")
	}
	return printJSON(out, map[string]any{"experiment": exp, "variants": variants})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	experimentCmd.PersistentFlags().StringVar(&defOwner, "owner", "", "owner id")
	_ = experimentCmd.MarkPersistentFlagRequired("owner")
	experimentCreateCmd.Flags().StringVarP(&defFile, "file", "f", "", "experiment definition (YAML)")
	_ = experimentCreateCmd.MarkFlagRequired("file")

	experimentCmd.AddCommand(experimentCreateCmd, experimentStatusCmd, experimentInsightsCmd)
	rootCmd.AddCommand(experimentCmd)
}
