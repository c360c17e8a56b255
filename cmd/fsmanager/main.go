// Command fsmanager runs the filesync manager: the console TCP server,
// sync-pair registry, worker pool, and transfer engine described in
// spec §4.B-§4.F. Flags mirror original_source/src/nfs_manager_logic.c's
// parse_arguments, enforced the way rclone's own backend commands
// enforce required flags: via pflag + cobra's MarkFlagRequired.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rclone-labs/filesync/internal/config"
	"github.com/rclone-labs/filesync/internal/manager"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var cfg config.Manager

var rootCmd = &cobra.Command{
	Use:   "fsmanager",
	Short: "Run the filesync manager process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfg.LogFile, "log", "l", "", "path to the manager log file")
	flags.StringVarP(&cfg.ConfigFile, "config", "c", "", "path to the sync-pair config file")
	flags.IntVarP(&cfg.WorkerCount, "workers", "n", 0, "number of worker goroutines")
	flags.IntVarP(&cfg.Port, "port", "p", 0, "console TCP port")
	flags.IntVarP(&cfg.QueueCapacity, "buffer", "b", 0, "bounded job queue capacity")
	flags.StringVarP(&cfg.MetricsAddr, "metrics", "m", "", "optional Prometheus metrics listen address (empty disables)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug-level logging")
	flags.IntVar(&cfg.BufferSize, "transfer-buffer", config.DefaultBufferSize, "per-chunk transfer buffer size in bytes")

	for _, name := range []string{"log", "config", "workers", "port", "buffer"} {
		if err := rootCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func run(cfg config.Manager) error {
	mgr, err := manager.New(cfg)
	if err != nil {
		return err
	}

	mgr.LoadConfigFile()
	mgr.ServeMetrics()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mgr.RequestShutdown()
	}()

	if err := mgr.ServeConsole(); err != nil {
		return err
	}
	mgr.GracefulStop()
	return nil
}
