// Package clientsrv implements the client-side LIST/PULL/PUSH verb
// server described in spec §4.G and §6, ported from
// handle_list_command/handle_pull_command/handle_push_command/
// handle_client_connection in original_source/src/nfs_client_logic.c.
//
// File access follows the same relative-path convention as rclone's local
// backend (see backend/local/local.go): every incoming path has its
// leading "/" stripped and is resolved underneath a single configured
// root directory, never allowed to escape it.
//
// PUSH's "currently open file" state was a single static fd in the
// original source, shared across every connection on the process — a
// fragile global flagged in spec §9. Here it is a field on the
// per-connection handler instead, so two concurrent PUSH streams from
// different workers never stomp on each other's open file.
package clientsrv

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/wire"
)

// pollInterval bounds how long Accept/Read block before re-checking the
// shutdown flag, matching internal/consoleapi's accept-loop shape.
const pollInterval = 2 * time.Second

// Server serves LIST/PULL/PUSH requests against files under Root.
type Server struct {
	Root     string
	Logger   *flog.Logger
	Shutdown *atomic.Bool
}

// New returns a Server rooted at root.
func New(root string, logger *flog.Logger, shutdown *atomic.Bool) *Server {
	return &Server{Root: root, Logger: logger, Shutdown: shutdown}
}

// Serve runs the accept loop on ln until the shutdown flag is set.
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
			s.Logger.Errorf("client accept: %s", err.Error())
			continue
		}
		go s.handleConnection(conn)
	}
}

// resolve maps a wire path ("/a/b" or "a/b") onto a real filesystem path
// underneath Root, stripping exactly one leading slash per spec §6 and
// refusing to resolve outside Root.
func (s *Server) resolve(wirePath string) (string, error) {
	rel := strings.TrimPrefix(wirePath, "/")
	root := filepath.Clean(s.Root)
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes root", wirePath)
	}
	return full, nil
}

type pushState struct {
	file *os.File
	path string
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	push := &pushState{}
	defer func() {
		if push.file != nil {
			push.file.Close()
		}
	}()

	for !s.Shutdown.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		verb, err := wire.ReadVerb(r)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		switch verb {
		case "LIST":
			if !s.serveListRequest(conn, r) {
				return
			}
		case "PULL":
			if !s.servePullRequest(conn, r) {
				return
			}
		case "PUSH":
			if !s.servePushFrame(conn, r, push) {
				return
			}
		default:
			s.Logger.Errorf("unknown command: %s", verb)
			return
		}
	}
}

func (s *Server) serveListRequest(conn net.Conn, r *bufio.Reader) bool {
	dir, err := wire.ReadListRequest(r)
	if err != nil {
		return false
	}
	full, err := s.resolve(dir)
	if err != nil {
		s.Logger.Errorf("LIST %s: %s", dir, err.Error())
		return wire.ServeList(conn, nil) == nil
	}
	entries, err := listRegularFiles(full)
	if err != nil {
		s.Logger.Errorf("LIST %s: %s", dir, err.Error())
		return wire.ServeList(conn, nil) == nil
	}
	return wire.ServeList(conn, entries) == nil
}

// listRegularFiles returns the names of regular, non-dotfile entries
// directly inside dir, per spec §6 ("skipping names starting with .").
func listRegularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *Server) servePullRequest(conn net.Conn, r *bufio.Reader) bool {
	path, err := wire.ReadPullRequest(r)
	if err != nil {
		return false
	}
	full, err := s.resolve(path)
	if err != nil {
		_ = wire.ServePullError(conn, err.Error())
		return false
	}
	f, err := os.Open(full)
	if err != nil {
		_ = wire.ServePullError(conn, err.Error())
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		_ = wire.ServePullError(conn, err.Error())
		return false
	}
	if err := wire.ServePullHeader(conn, info.Size()); err != nil {
		return false
	}
	_, err = io.Copy(conn, f)
	return err == nil
}

func (s *Server) servePushFrame(conn net.Conn, r *bufio.Reader, state *pushState) bool {
	frame, err := wire.ReadPushFrame(r)
	if err != nil {
		return false
	}
	full, resolveErr := s.resolve(frame.Path)

	switch {
	case frame.Chunk == wire.ChunkBegin:
		if state.file != nil {
			state.file.Close()
			state.file = nil
		}
		if resolveErr != nil {
			s.Logger.Errorf("PUSH %s: %s", frame.Path, resolveErr.Error())
			return true
		}
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			s.Logger.Errorf("PUSH %s: opening for write: %s", frame.Path, err.Error())
			return true
		}
		state.file = f
		state.path = frame.Path
		return true

	case frame.Chunk == wire.ChunkEnd:
		if state.file != nil {
			state.file.Close()
			state.file = nil
		}
		return true

	default: // data chunk
		if state.file == nil {
			s.Logger.Errorf("PUSH %s: no file open for writing", frame.Path)
			return true
		}
		if _, err := state.file.Write(frame.Payload); err != nil {
			s.Logger.Errorf("PUSH %s: write failed: %s", frame.Path, err.Error())
			state.file.Close()
			state.file = nil
			return true
		}
		return true
	}
}
