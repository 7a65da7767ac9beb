package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/srv6-usid/internal/app"
	"github.com/yanet-platform/srv6-usid/internal/logging"
	"github.com/yanet-platform/srv6-usid/internal/xcmd"
)

var rootCmd = &cobra.Command{
	Use:   "srv6-usid",
	Short: "SRv6 micro-segment fabric controller",
}

var runCmdArgs struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig(runCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, level, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	controller, err := app.NewApp(cfg, app.WithLog(log), app.WithLogLevel(&level))
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}
	defer controller.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return controller.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", zap.Error(err))
		return err
	})

	return wg.Wait()
}
