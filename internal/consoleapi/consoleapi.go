// Package consoleapi implements the manager's console command server
// described in spec §4.F, ported from handle_console_connection and the
// accept loop in original_source/src/nfs_manager_logic.c: accept TCP
// connections on the manager's port, read one newline-terminated command
// per handler iteration, dispatch it, and reply with a single line.
//
// Both the accept loop and each per-connection read loop poll a shutdown
// flag via a short I/O deadline instead of blocking forever, so the
// server can unwind without needing an external connection to wake it
// (spec §5 "Cancellation & timeouts").
package consoleapi

import (
	"bufio"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/dirspec"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/syncmgr"
)

// pollInterval bounds how long Accept/Read block before re-checking the
// shutdown flag, per spec §5.
const pollInterval = 2 * time.Second

// Orchestrator is the subset of *syncmgr.Manager the console depends on,
// kept as an interface so tests can substitute a stub.
type Orchestrator interface {
	AddPair(source, target dirspec.Spec) error
}

var _ Orchestrator = (*syncmgr.Manager)(nil)

// Server is the console TCP command server.
type Server struct {
	Orchestrator Orchestrator
	Registry     *registry.Registry
	Logger       *flog.Logger
	Shutdown     *atomic.Bool
}

// New returns a Server wired to the given collaborators.
func New(orch Orchestrator, reg *registry.Registry, logger *flog.Logger, shutdown *atomic.Bool) *Server {
	return &Server{Orchestrator: orch, Registry: reg, Logger: logger, Shutdown: shutdown}
}

// Serve runs the accept loop on ln until the shutdown flag is set. It
// returns once the loop has stopped accepting new connections; callers
// typically run it in its own goroutine.
func (s *Server) Serve(ln net.Listener) {
	for !s.Shutdown.Load() {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(pollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.Shutdown.Load() {
				return
			}
			s.Logger.Errorf("console accept: %s", err.Error())
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for !s.Shutdown.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		line, err := r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		reply, doShutdown := s.dispatch(strings.TrimRight(line, "\r\n"))
		if _, werr := conn.Write([]byte(reply + "\n")); werr != nil {
			return
		}
		if doShutdown {
			s.Shutdown.Store(true)
			return
		}
	}
}

// dispatch parses and executes one command line, returning its reply and
// whether it was a shutdown command (the caller raises the shutdown flag
// only after the reply has been sent, per spec §4.F).
func (s *Server) dispatch(line string) (reply string, doShutdown bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "Invalid command: " + line, false
	}

	switch fields[0] {
	case "add":
		if len(fields) != 3 {
			return "Invalid command: " + line, false
		}
		return s.handleAdd(fields[1], fields[2]), false
	case "cancel":
		if len(fields) != 2 {
			return "Invalid command: " + line, false
		}
		return s.handleCancel(fields[1]), false
	case "shutdown":
		if len(fields) != 1 {
			return "Invalid command: " + line, false
		}
		s.Logger.Infof("shutdown requested via console")
		return "Shutting down manager...", true
	default:
		return "Invalid command: " + line, false
	}
}

func (s *Server) handleAdd(sourceRaw, targetRaw string) string {
	source, target, err := dirspec.ParsePair(sourceRaw, targetRaw)
	if err != nil {
		return "Error adding sync pair"
	}
	err = s.Orchestrator.AddPair(source, target)
	switch {
	case err == nil:
		return "Added sync pair successfully"
	case errors.Is(err, registry.ErrAlreadyExists):
		return "Already in queue: " + source.String()
	default:
		return "Error adding sync pair"
	}
}

func (s *Server) handleCancel(sourceRaw string) string {
	source, err := dirspec.Parse(sourceRaw)
	if err != nil {
		return "Error canceling synchronization"
	}
	err = s.Registry.Deactivate(source)
	switch {
	case err == nil:
		return "Synchronization stopped for " + source.String()
	case errors.Is(err, registry.ErrNotFound):
		return "Directory not being synchronized: " + source.String()
	default:
		return "Error canceling synchronization"
	}
}
