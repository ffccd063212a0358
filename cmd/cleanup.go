package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/store"
)

var cleanupRetention time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stale funnel paths and archived allocations",
	Long:  "Removes funnel paths not seen within the retention window and allocations of archived experiments made before it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "cleanup")
		if err != nil {
			return err
		}
		defer env.Close()

		retention := cleanupRetention
		if retention == 0 {
			retention = cfg.Cleanup.Retention
		}
		_, err = runCleanup(cmd.Context(), env.Store, retention, cmd.OutOrStdout())
		return err
	},
}

func runCleanup(ctx context.Context, st store.Store, retention time.Duration, out io.Writer) (model.CleanupResult, error) {
	if retention <= 0 {
		return model.CleanupResult{}, eris.New("cleanup: retention must be positive")
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := st.CleanupOldData(ctx, cutoff)
	if err != nil {
		return res, eris.Wrap(err, "cleanup: delete old data")
	}
	zap.L().Info("cleanup complete",
		zap.Time("cutoff", cutoff),
		zap.Int64("paths_deleted", res.PathsDeleted),
		zap.Int64("allocations_deleted", res.AllocationsDeleted),
	)
	fmt.Fprintf(out, "deleted %d paths and %d allocations older than %s\n",
		res.PathsDeleted, res.AllocationsDeleted, cutoff.Format(time.RFC3339))
	return res, nil
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "retention window (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}
