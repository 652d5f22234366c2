// Command bq is the admin CLI for a balanced-queue broker (spec §4.7):
// a cobra binary offering a table/watch view and clear operations,
// grounded in the teacher family's own twmb/kcl admin CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/balanced-queue/balanced-queue/bqconfig"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var verbose bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bq",
		Short: "Admin CLI for a balanced-queue broker",
	}
	var flags *pflag.FlagSet = root.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level CLI logging")
	root.AddCommand(newTableCmd(), newClearCmd())
	return root
}

func dialAdmin() (*bq.Admin, *redis.Client, error) {
	cfg, err := bqconfig.Load()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return bq.NewAdmin(client, cfg.Prefix), client, nil
}

func newTableCmd() *cobra.Command {
	var all bool
	var watch bool
	var interval int

	cmd := &cobra.Command{
		Use:   "table QUEUE",
		Short: "Show per-partition pending/active/processed counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			admin, client, err := dialAdmin()
			if err != nil {
				return err
			}
			defer client.Close()

			print := func() error {
				rows, err := admin.Table(cmd.Context(), queue)
				if err != nil {
					return err
				}
				printTable(cmd, queue, rows)
				return nil
			}

			if !watch {
				return print()
			}
			for {
				if err := print(); err != nil {
					return err
				}
				time.Sleep(time.Duration(interval) * time.Second)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "accepted for compatibility; has no effect on the output")
	cmd.Flags().BoolVar(&watch, "watch", false, "redraw every --interval seconds")
	cmd.Flags().IntVar(&interval, "interval", 2, "seconds between redraws in --watch mode")
	return cmd
}

func printTable(cmd *cobra.Command, queue string, rows []bq.Row) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queue %s\n", queue)
	fmt.Fprintf(out, "%-24s %10s %10s %10s\n", "PARTITION", "PENDING", "ACTIVE", "PROCESSED")
	for _, r := range rows {
		fmt.Fprintf(out, "%-24s %10d %10d %10d\n", r.Partition, r.Pending, r.Active, r.Processed)
	}
}

func newClearCmd() *cobra.Command {
	var partition string
	var force bool

	cmd := &cobra.Command{
		Use:   "clear QUEUE",
		Short: "Clear a single partition or an entire queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			if !force && !confirm(cmd, queue, partition) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
			admin, client, err := dialAdmin()
			if err != nil {
				return err
			}
			defer client.Close()

			if partition != "" {
				if err := admin.ClearPartition(cmd.Context(), queue, partition); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s:%s\n", queue, partition)
				return nil
			}
			if err := admin.ClearQueue(cmd.Context(), queue); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "clear only this partition")
	cmd.Flags().BoolVar(&force, "force", false, "skip the interactive confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, queue, partition string) bool {
	target := queue
	if partition != "" {
		target = queue + ":" + partition
	}
	fmt.Fprintf(cmd.OutOrStdout(), "clear %s? [y/N] ", target)
	var answer string
	fmt.Fscanln(cmd.InOrStdin(), &answer)
	return answer == "y" || answer == "Y"
}
