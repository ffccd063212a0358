package main

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/variant-optimizer/internal/funnel"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Manage funnels",
}

var funnelCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a funnel from a YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "experiment")
		if err != nil {
			return err
		}
		defer env.Close()
		return runFunnelCreate(cmd.Context(), env.Funnels, defFile, defOwner, cmd.OutOrStdout())
	},
}

var funnelInsightsCmd = &cobra.Command{
	Use:   "insights <funnel-id>",
	Short: "Print a funnel's path and step report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "experiment")
		if err != nil {
			return err
		}
		defer env.Close()
		ins, err := env.Funnels.Insights(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ins)
	},
}

func runFunnelCreate(ctx context.Context, svc *funnel.Service, path, ownerID string, out io.Writer) error {
	req, err := loadFunnelDef(path, ownerID)
	if err != nil {
		return err
	}
	f, err := svc.Create(ctx, req)
	if err != nil {
		return eris.Wrap(err, "create funnel")
	}
	return printJSON(out, f)
}

func init() {
	funnelCreateCmd.Flags().StringVarP(&defFile, "file", "f", "", "funnel definition (YAML)")
	_ = funnelCreateCmd.MarkFlagRequired("file")
	funnelCreateCmd.Flags().StringVar(&defOwner, "owner", "", "owner id")
	_ = funnelCreateCmd.MarkFlagRequired("owner")

	funnelCmd.AddCommand(funnelCreateCmd, funnelInsightsCmd)
	rootCmd.AddCommand(funnelCmd)
}
