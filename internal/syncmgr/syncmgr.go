// Package syncmgr implements the sync orchestrator described in spec
// §4.E, ported from start_directory_sync / handle_add_command in
// original_source/src/nfs_manager_logic.c: register the pair, LIST the
// source directory over a dedicated connection, and enqueue one job per
// filename before returning to the caller.
package syncmgr

import (
	"bufio"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/dirspec"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/pool"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/wire"
)

// DialTimeout bounds the LIST connection, matching transfer.DialTimeout.
const DialTimeout = 10 * time.Second

// Manager orchestrates "add" operations: registry insertion, source LIST,
// and job enqueueing. It holds no per-call state; a single Manager is
// shared by every console handler goroutine.
type Manager struct {
	Registry *registry.Registry
	Pool     *pool.Pool
	Logger   *flog.Logger
	Dial     func(network, address string) (net.Conn, error)
}

// New returns a Manager wired to the given registry, pool, and logger.
func New(reg *registry.Registry, p *pool.Pool, logger *flog.Logger) *Manager {
	return &Manager{
		Registry: reg,
		Pool:     p,
		Logger:   logger,
		Dial: func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, DialTimeout)
		},
	}
}

// AddPair registers the pair and, on success, drives the full LIST+enqueue
// sequence before returning — per spec §4.E/§5, "add" only replies to the
// console after every listed file has been accepted into the queue, so a
// full queue here blocks the console response end to end.
//
// Returning registry.ErrAlreadyExists leaves the pool and source untouched.
// Any other returned error means the registry entry was created but the
// LIST/enqueue step failed; per spec §4.E this is logged and does not roll
// back the registry entry.
func (m *Manager) AddPair(source, target dirspec.Spec) error {
	if err := m.Registry.Add(source, target); err != nil {
		return err
	}

	m.Logger.Infof("Started sync: %s -> %s", source.String(), target.String())

	if err := m.listAndEnqueue(source, target); err != nil {
		m.Logger.Errorf("sync %s -> %s: %s", source.String(), target.String(), err.Error())
		return err
	}
	return nil
}

func (m *Manager) listAndEnqueue(source, target dirspec.Spec) error {
	addr := net.JoinHostPort(source.Endpoint.Host, strconv.Itoa(source.Endpoint.Port))
	conn, err := m.Dial("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "dial source for LIST")
	}
	defer conn.Close()

	if err := wire.WriteListRequest(conn, source.Dir); err != nil {
		return errors.Wrap(err, "send LIST")
	}

	entries, err := wire.ReadListResponse(bufio.NewReader(conn))
	if err != nil {
		return errors.Wrap(err, "read LIST response")
	}

	for _, filename := range entries {
		job := &pool.Job{Source: source, Target: target, Filename: filename}
		if err := m.Pool.Enqueue(job); err != nil {
			m.Logger.Errorf("enqueue %s/%s: %s", source.Dir, filename, err.Error())
		}
	}
	return nil
}
