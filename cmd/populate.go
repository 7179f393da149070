package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Extract an area from the geodata service and reconcile it into the directory",
}

var populatePostalcodesCmd = &cobra.Command{
	Use:   "postalcodes <area-id>",
	Short: "Populate postal codes of an area",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		areaID, err := parseAreaID(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDirectory(ctx, "populate")
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		n, err := env.Postalcodes.Populate(ctx, areaID)
		if err != nil {
			return err
		}

		zap.L().Info("postal codes populated",
			zap.Int64("area_id", areaID),
			zap.Int("records", n),
			zap.Duration("elapsed", time.Since(start)),
		)
		fmt.Fprintf(os.Stdout, "populated %d postal codes for area %d\n", n, areaID)
		return nil
	},
}

var populateStreetsCmd = &cobra.Command{
	Use:   "streets <area-id>",
	Short: "Populate streets of an area, creating missing postal codes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		areaID, err := parseAreaID(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDirectory(ctx, "populate")
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		n, err := env.Streets.Populate(ctx, areaID)
		if err != nil {
			return err
		}

		zap.L().Info("streets populated",
			zap.Int64("area_id", areaID),
			zap.Int("records", n),
			zap.Duration("elapsed", time.Since(start)),
		)
		fmt.Fprintf(os.Stdout, "populated %d streets for area %d\n", n, areaID)
		return nil
	},
}

func init() {
	populateCmd.AddCommand(populatePostalcodesCmd, populateStreetsCmd)
	rootCmd.AddCommand(populateCmd)
}
