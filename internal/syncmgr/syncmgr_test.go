package syncmgr

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/dirspec"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/pool"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/wire"
)

func listServer(t *testing.T, names []string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		verb, err := wire.ReadVerb(r)
		if err != nil || verb != "LIST" {
			return
		}
		if _, err := wire.ReadListRequest(r); err != nil {
			return
		}
		_ = wire.ServeList(conn, names)
	}()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestAddPairListsAndEnqueuesEachFile(t *testing.T) {
	host, port := listServer(t, []string{"a", "b", "c"})

	var mu sync.Mutex
	var processed []string
	p := pool.New(10, 2, func(id int, job *pool.Job) {
		mu.Lock()
		processed = append(processed, job.Filename)
		mu.Unlock()
	})
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	m := New(registry.New(), p, logger)

	source := dirspec.Spec{Dir: "/src", Endpoint: dirspec.Endpoint{Host: host, Port: port}}
	target := dirspec.Spec{Dir: "/tgt", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}

	require.NoError(t, m.AddPair(source, target))

	p.Shutdown()
	p.Join()

	mu.Lock()
	got := append([]string(nil), processed...)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)

	entry, ok := m.Registry.Find(source)
	require.True(t, ok)
	assert.True(t, entry.Active)
}

func TestAddPairEmptySourceEnqueuesNothing(t *testing.T) {
	host, port := listServer(t, nil)

	var mu sync.Mutex
	count := 0
	p := pool.New(4, 1, func(id int, job *pool.Job) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	m := New(registry.New(), p, logger)

	source := dirspec.Spec{Dir: "/empty", Endpoint: dirspec.Endpoint{Host: host, Port: port}}
	target := dirspec.Spec{Dir: "/tgt", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}
	require.NoError(t, m.AddPair(source, target))

	p.Shutdown()
	p.Join()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
	assert.Contains(t, logBuf.String(), "Started sync")
}

func TestAddPairDuplicateReturnsAlreadyExists(t *testing.T) {
	host, port := listServer(t, []string{"x"})

	p := pool.New(4, 1, func(id int, job *pool.Job) {})
	t.Cleanup(func() { p.Shutdown(); p.Join() })
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	m := New(registry.New(), p, logger)

	source := dirspec.Spec{Dir: "/src", Endpoint: dirspec.Endpoint{Host: host, Port: port}}
	target := dirspec.Spec{Dir: "/tgt", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}

	require.NoError(t, m.AddPair(source, target))
	err := m.AddPair(source, target)
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestAddPairSourceDialFailureStillLeavesRegistryEntry(t *testing.T) {
	p := pool.New(4, 1, func(id int, job *pool.Job) {})
	t.Cleanup(func() { p.Shutdown(); p.Join() })
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	m := New(registry.New(), p, logger)

	source := dirspec.Spec{Dir: "/src", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}
	target := dirspec.Spec{Dir: "/tgt", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}
	m.Dial = func(network, address string) (net.Conn, error) {
		return nil, assert.AnError
	}

	err := m.AddPair(source, target)
	require.Error(t, err)

	_, ok := m.Registry.Find(source)
	assert.True(t, ok, "registry entry must survive a LIST failure")
}

func TestAddPairBackpressureBlocksUntilAllAccepted(t *testing.T) {
	names := make([]string, 10)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	host, port := listServer(t, names)

	release := make(chan struct{})
	var mu sync.Mutex
	accepted := 0
	p := pool.New(2, 1, func(id int, job *pool.Job) {
		<-release
		mu.Lock()
		accepted++
		mu.Unlock()
	})
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	m := New(registry.New(), p, logger)

	source := dirspec.Spec{Dir: "/src", Endpoint: dirspec.Endpoint{Host: host, Port: port}}
	target := dirspec.Spec{Dir: "/tgt", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}}

	done := make(chan error, 1)
	go func() { done <- m.AddPair(source, target) }()

	select {
	case <-done:
		t.Fatal("AddPair returned before the backpressured queue could accept all 10 files")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	p.Shutdown()
	p.Join()
}
