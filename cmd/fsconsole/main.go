// Command fsconsole is the thin interactive command sender described in
// spec §1 and §6, ported from original_source/src/nfs_console.c: connect
// to the manager's console port, read one line at a time from stdin,
// send it, print the manager's single-line reply, and log both sides to
// a console-local log file.
//
// Unlike the manager and client, the console has no concurrency of its
// own (spec §1 "thin interactive command sender") — one goroutine, one
// connection, one request in flight at a time.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rclone-labs/filesync/internal/flog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	logFile string
	host    string
	port    int
)

var rootCmd = &cobra.Command{
	Use:   "fsconsole",
	Short: "Send add/cancel/shutdown commands to a filesync manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(os.Stdout)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&logFile, "log", "l", "", "path to the console's own command log")
	flags.StringVarP(&host, "host", "H", "", "manager host IPv4 address")
	flags.IntVarP(&port, "port", "p", 0, "manager console TCP port")
	for _, name := range []string{"log", "host", "port"} {
		if err := rootCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func run(out *os.File) error {
	logger, err := flog.Open(logFile, false)
	if err != nil {
		return err
	}
	defer logger.Close()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintf(out, "fsconsole connected to %s\n", addr)
	fmt.Fprintln(out, "Type 'help' for available commands or 'shutdown' to exit.")

	connR := bufio.NewReader(conn)
	stdin := bufio.NewReader(os.Stdin)

	fmt.Fprint(out, "> ")
	for {
		line, err := stdin.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		if line == "help" {
			printHelp(out)
			fmt.Fprint(out, "> ")
			continue
		}

		logger.Infof("Command %s", line)

		if _, err := fmt.Fprintln(conn, line); err != nil {
			return err
		}
		reply, err := connR.ReadString('\n')
		if err != nil {
			return err
		}
		fmt.Fprint(out, reply)
		logger.Infof("Response: %s", strings.TrimRight(reply, "\r\n"))

		if strings.Fields(line)[0] == "shutdown" {
			fmt.Fprintln(out, "Shutting down console...")
			return nil
		}
		fmt.Fprint(out, "> ")
	}
}

func printHelp(out *os.File) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out, "  add <source> <target>  - Add directory pair for synchronization")
	fmt.Fprintln(out, "  cancel <source>        - Cancel synchronization for source directory")
	fmt.Fprintln(out, "  shutdown               - Shutdown the manager")
	fmt.Fprintln(out, "  help                   - Show this help message")
}
