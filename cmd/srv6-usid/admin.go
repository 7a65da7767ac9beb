package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yanet-platform/srv6-usid/internal/admin"
)

var adminArgs struct {
	// Endpoint is the admin API endpoint of a running controller.
	Endpoint string
	// Timeout bounds a single request.
	Timeout time.Duration
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminArgs.Endpoint, "admin", admin.DefaultConfig().Endpoint, "Admin API endpoint of the controller")
	rootCmd.PersistentFlags().DurationVar(&adminArgs.Timeout, "timeout", 30*time.Second, "Admin API request timeout")

	rootCmd.AddCommand(
		routeInsertCmd,
		uaInsertCmd,
		srv6InsertCmd,
		srv6ClearCmd,
		entriesCmd,
		healthCmd,
		logLevelCmd,
	)
}

// adminCommand wraps an operator command, reporting unknown devices the
// same way for every command.
func adminCommand(fn func(ctx context.Context, client *admin.Client, args []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		client := admin.NewClient(adminArgs.Endpoint, adminArgs.Timeout)

		err := fn(cmd.Context(), client, args)
		if err == nil {
			return
		}

		var apiErr *admin.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			fmt.Printf("Device %q is not found\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

var routeInsertCmd = &cobra.Command{
	Use:   "route-insert <uri> <ipv6NetAddress> [mask] <macDstAddr>",
	Short: "Insert an IPv6 route into a device",
	Args:  cobra.RangeArgs(3, 4),
	Run: adminCommand(func(ctx context.Context, client *admin.Client, args []string) error {
		req := admin.RouteRequest{
			Prefix:     args[1],
			NextHopMAC: args[len(args)-1],
		}
		if len(args) == 4 {
			mask, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid mask %q: %w", args[2], err)
			}
			req.Mask = &mask
		}

		fmt.Printf("Installing route on device %s\n", args[0])
		return client.InsertRoute(ctx, args[0], req)
	}),
}

var uaInsertCmd = &cobra.Command{
	Use:   "ua-insert <uri> <uAInstruction> <ipv6NextHop> <macDstAddr>",
	Short: "Insert a uA rule into the SRv6 local SID table",
	Args:  cobra.ExactArgs(4),
	Run: adminCommand(func(ctx context.Context, client *admin.Client, args []string) error {
		fmt.Printf("Installing uA Instruction on device %s\n", args[0])
		return client.InsertUAPolicy(ctx, args[0], admin.UARequest{
			Instruction: args[1],
			NextHop:     args[2],
			NextHopMAC:  args[3],
		})
	}),
}

var srv6InsertCmd = &cobra.Command{
	Use:   "srv6-insert <uri> <prefix> <segment>...",
	Short: "Insert a transit encapsulation policy",
	Args:  cobra.MinimumNArgs(3),
	Run: adminCommand(func(ctx context.Context, client *admin.Client, args []string) error {
		fmt.Printf("Installing path on device %s\n", args[0])
		return client.InsertTransitEncap(ctx, args[0], admin.EncapRequest{
			Prefix:   args[1],
			Segments: args[2:],
		})
	}),
}

var srv6ClearCmd = &cobra.Command{
	Use:   "srv6-clear <uri>",
	Short: "Clear all transit encapsulation policies of a device",
	Args:  cobra.ExactArgs(1),
	Run: adminCommand(func(ctx context.Context, client *admin.Client, args []string) error {
		removed, err := client.ClearTransitEncap(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entries from device %s\n", removed, args[0])
		return nil
	}),
}

var entriesCmd = &cobra.Command{
	Use:   "entries <uri>",
	Short: "Show the table entries installed on a device",
	Args:  cobra.ExactArgs(1),
	Run: adminCommand(func(ctx context.Context, client *admin.Client, args []string) error {
		entries, err := client.Entries(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tMATCH\tACTION\tAPP")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Table, entry.Match, entry.Action, entry.AppID)
		}
		return w.Flush()
	}),
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the controller health",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := admin.NewClient(adminArgs.Endpoint, adminArgs.Timeout)

		health, err := client.Health(cmd.Context())
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("status: %s\n", health.Status)
		if stats := health.Executor; stats != nil {
			fmt.Printf("executor: %+v\n", *stats)
		}
	},
}

var logLevelCmd = &cobra.Command{
	Use:       "log-level [debug|info|warn|error]",
	Short:     "Show or change the controller logging level",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"debug", "info", "warn", "error"},
	Run: func(cmd *cobra.Command, args []string) {
		client := admin.NewClient(adminArgs.Endpoint, adminArgs.Timeout)

		if len(args) == 0 {
			level, err := client.LogLevel(cmd.Context())
			if err != nil {
				fmt.Printf("ERROR: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("log level: %s\n", level)
			return
		}

		if err := client.SetLogLevel(cmd.Context(), args[0]); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated log level to %s\n", args[0])
	},
}
