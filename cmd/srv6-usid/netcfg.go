package main

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/app"
	"github.com/yanet-platform/srv6-usid/internal/etcdx"
	"github.com/yanet-platform/srv6-usid/internal/logging"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
)

var netcfgPushArgs struct {
	ConfigPath string
}

// netcfgPushCmd seeds the etcd configuration store from a network config
// document, e.g. the lab netcfg.json.
var netcfgPushCmd = &cobra.Command{
	Use:   "netcfg-push <path>",
	Short: "Publish device configs from a network config document to etcd",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runNetCfgPush(cmd, args[0]); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	netcfgPushCmd.Flags().StringVarP(&netcfgPushArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	netcfgPushCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(netcfgPushCmd)
}

func runNetCfgPush(cmd *cobra.Command, path string) error {
	cfg, err := app.LoadConfig(netcfgPushArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	file, err := netcfg.LoadFile(path)
	if err != nil {
		return err
	}

	client, err := etcdx.Dial(cfg.Etcd, log)
	if err != nil {
		return err
	}
	defer client.Close()

	store := netcfg.NewEtcdStore(client, cfg.NetCfg.Prefix, log)
	objects := file.Objects()
	for _, id := range slices.Sorted(maps.Keys(objects)) {
		obj := objects[id]
		if err := store.Publish(cmd.Context(), id, &obj); err != nil {
			return fmt.Errorf("failed to publish %s: %w", id, err)
		}
		log.Infow("published device config", zap.Stringer("device", id))
	}
	return nil
}
