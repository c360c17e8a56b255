package transfer

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/dirspec"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/pool"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/wire"
)

// fakeServer serves one accepted connection with a caller-supplied
// handler and returns its listen address.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
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
		handle(conn)
	}()
	return ln.Addr().String()
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newTestEngine(t *testing.T, bufSize int) (*Engine, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	return New(logger, registry.New(), bufSize), &logBuf
}

func TestRunSuccessTransfersWholeFile(t *testing.T) {
	content := "hello, world"
	var pushedChunks [][]byte
	var pushedEnd bool

	srcAddr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		verb, err := wire.ReadVerb(r)
		require.NoError(t, err)
		require.Equal(t, "PULL", verb)
		_, err = wire.ReadPullRequest(r)
		require.NoError(t, err)
		require.NoError(t, wire.ServePullHeader(conn, int64(len(content))))
		_, err = conn.Write([]byte(content))
		require.NoError(t, err)
	})

	tgtAddr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			verb, err := wire.ReadVerb(r)
			if err != nil {
				return
			}
			require.Equal(t, "PUSH", verb)
			frame, err := wire.ReadPushFrame(r)
			require.NoError(t, err)
			switch {
			case frame.Chunk == wire.ChunkEnd:
				pushedEnd = true
				return
			case frame.Chunk == wire.ChunkBegin:
				// no-op, marks open.
			default:
				pushedChunks = append(pushedChunks, frame.Payload)
			}
		}
	})

	srcHost, srcPort := hostPort(t, srcAddr)
	tgtHost, tgtPort := hostPort(t, tgtAddr)

	e, logBuf := newTestEngine(t, 4)
	job := &pool.Job{
		Source:   dirspec.Spec{Dir: "/s", Endpoint: dirspec.Endpoint{Host: srcHost, Port: srcPort}},
		Target:   dirspec.Spec{Dir: "/t", Endpoint: dirspec.Endpoint{Host: tgtHost, Port: tgtPort}},
		Filename: "greeting.txt",
	}

	e.Run(0, job)

	got := bytes.Join(pushedChunks, nil)
	assert.Equal(t, content, string(got))
	assert.True(t, pushedEnd)
	assert.Contains(t, logBuf.String(), "SUCCESS")

	entry, ok := e.Registry.Find(job.Source)
	assert.False(t, ok) // Run never adds the job's pair to the registry itself
	_ = entry
}

func TestRunPullErrorLogsAndStops(t *testing.T) {
	srcAddr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		_, err := wire.ReadVerb(r)
		require.NoError(t, err)
		_, err = wire.ReadPullRequest(r)
		require.NoError(t, err)
		require.NoError(t, wire.ServePullError(conn, "no such file"))
	})
	tgtAddr := fakeServer(t, func(conn net.Conn) {})

	srcHost, srcPort := hostPort(t, srcAddr)
	tgtHost, tgtPort := hostPort(t, tgtAddr)

	e, logBuf := newTestEngine(t, 1024)
	job := &pool.Job{
		Source:   dirspec.Spec{Dir: "/s", Endpoint: dirspec.Endpoint{Host: srcHost, Port: srcPort}},
		Target:   dirspec.Spec{Dir: "/t", Endpoint: dirspec.Endpoint{Host: tgtHost, Port: tgtPort}},
		Filename: "missing.txt",
	}

	e.Run(3, job)

	logged := logBuf.String()
	assert.True(t, strings.Contains(logged, "ERROR"))
	assert.True(t, strings.Contains(logged, "no such file"))
}

func TestRunSourceConnectFailLogsError(t *testing.T) {
	e, logBuf := newTestEngine(t, 64)
	job := &pool.Job{
		Source:   dirspec.Spec{Dir: "/s", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}},
		Target:   dirspec.Spec{Dir: "/t", Endpoint: dirspec.Endpoint{Host: "127.0.0.1", Port: 1}},
		Filename: "x",
	}
	e.Dial = func(network, address string) (net.Conn, error) {
		return nil, assert.AnError
	}

	e.Run(0, job)

	assert.Contains(t, logBuf.String(), "PULL")
	assert.Contains(t, logBuf.String(), "ERROR")
}

func TestRunChunksRespectBufferSize(t *testing.T) {
	content := strings.Repeat("x", 10)
	var chunkSizes []int

	srcAddr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		_, _ = wire.ReadVerb(r)
		_, _ = wire.ReadPullRequest(r)
		require.NoError(t, wire.ServePullHeader(conn, int64(len(content))))
		_, _ = conn.Write([]byte(content))
	})
	tgtAddr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			verb, err := wire.ReadVerb(r)
			if err != nil {
				return
			}
			_ = verb
			frame, err := wire.ReadPushFrame(r)
			require.NoError(t, err)
			if frame.Chunk == wire.ChunkEnd {
				return
			}
			if frame.Chunk > 0 {
				chunkSizes = append(chunkSizes, len(frame.Payload))
			}
		}
	})

	srcHost, srcPort := hostPort(t, srcAddr)
	tgtHost, tgtPort := hostPort(t, tgtAddr)

	e, _ := newTestEngine(t, 3)
	job := &pool.Job{
		Source:   dirspec.Spec{Dir: "/s", Endpoint: dirspec.Endpoint{Host: srcHost, Port: srcPort}},
		Target:   dirspec.Spec{Dir: "/t", Endpoint: dirspec.Endpoint{Host: tgtHost, Port: tgtPort}},
		Filename: "f",
	}
	e.Run(0, job)

	for _, sz := range chunkSizes {
		assert.LessOrEqual(t, sz, 3)
	}
	total := 0
	for _, sz := range chunkSizes {
		total += sz
	}
	assert.Equal(t, len(content), total)
}
