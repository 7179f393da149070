package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run populate for the configured areas on cron schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDirectory(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		postalcodes := scheduler.Job{Name: "postalcodes", Spec: cfg.Schedule.Postalcodes, Populator: env.Postalcodes}
		streets := scheduler.Job{Name: "streets", Spec: cfg.Schedule.Streets, Populator: env.Streets}
		s := scheduler.New(cfg.Schedule.AreaIDs, postalcodes, streets)

		if once, _ := cmd.Flags().GetBool("once"); once {
			failed := 0
			for _, job := range []scheduler.Job{postalcodes, streets} {
				if job.Spec != "" {
					failed += s.RunOnce(ctx, job)
				}
			}
			if failed > 0 {
				zap.L().Warn("scheduled populate finished with failures", zap.Int("failed_areas", failed))
			}
			return nil
		}

		startMonitoring(ctx, env.Store)
		if err := s.Start(ctx); err != nil {
			return err
		}
		zap.L().Info("scheduler started",
			zap.Int("jobs", s.Entries()),
			zap.Int64s("area_ids", cfg.Schedule.AreaIDs),
		)

		<-ctx.Done()
		s.Stop()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().Bool("once", false, "run every job once for all areas and exit")
	rootCmd.AddCommand(scheduleCmd)
}
