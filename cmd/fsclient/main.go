// Command fsclient runs the per-host file server described in spec §4.G
// and §6: it serves LIST/PULL/PUSH requests against files rooted at a
// configured directory, ported from
// original_source/src/nfs_client_logic.c / nfs_client.c.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rclone-labs/filesync/internal/clientsrv"
	"github.com/rclone-labs/filesync/internal/flog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	root    string
	port    int
	logFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fsclient",
	Short: "Serve LIST/PULL/PUSH requests for a local directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&root, "root", "d", ".", "directory to serve")
	flags.IntVarP(&port, "port", "p", 0, "TCP port to listen on")
	flags.StringVarP(&logFile, "log", "l", "", "path to the client log file (defaults to stderr)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	if err := rootCmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
}

func run() error {
	var logger *flog.Logger
	var err error
	if logFile == "" {
		logger = flog.New(os.Stderr, verbose)
	} else {
		logger, err = flog.Open(logFile, verbose)
		if err != nil {
			return err
		}
		defer logger.Close()
	}

	var shutdown atomic.Bool
	srv := clientsrv.New(root, logger, &shutdown)

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown.Store(true)
		ln.Close()
	}()

	logger.Infof("fsclient serving %s on port %d", root, port)
	srv.Serve(ln)
	return nil
}
