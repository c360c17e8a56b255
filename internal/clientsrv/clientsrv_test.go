package clientsrv

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/wire"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	var sd atomic.Bool
	return New(root, logger, &sd), root
}

func dialServer(t *testing.T, s *Server) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		ln.Close()
	}
}

func TestListSkipsDotfilesAndDirectories(t *testing.T) {
	s, root := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("H"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "subdir"), 0o755))

	conn, cleanup := dialServer(t, s)
	defer cleanup()

	require.NoError(t, wire.WriteListRequest(conn, "/"))
	r := bufio.NewReader(conn)
	entries, err := wire.ReadListResponse(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, entries)
}

func TestPullReturnsFileContents(t *testing.T) {
	s, root := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello"), 0o644))

	conn, cleanup := dialServer(t, s)
	defer cleanup()

	require.NoError(t, wire.WritePullRequest(conn, "/f.txt"))
	r := bufio.NewReader(conn)
	size, errText, err := wire.ReadPullHeader(r)
	require.NoError(t, err)
	require.Empty(t, errText)
	payload := make([]byte, size)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestPullMissingFileReturnsError(t *testing.T) {
	s, _ := newTestServer(t)
	conn, cleanup := dialServer(t, s)
	defer cleanup()

	require.NoError(t, wire.WritePullRequest(conn, "/missing.txt"))
	r := bufio.NewReader(conn)
	size, errText, err := wire.ReadPullHeader(r)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), size)
	assert.NotEmpty(t, errText)
}

func TestPushWritesFileAcrossChunks(t *testing.T) {
	s, root := newTestServer(t)
	conn, cleanup := dialServer(t, s)
	defer cleanup()

	require.NoError(t, wire.WritePushBegin(conn, "/new.txt"))
	require.NoError(t, wire.WritePushChunk(conn, "/new.txt", []byte("ab")))
	require.NoError(t, wire.WritePushChunk(conn, "/new.txt", []byte("cd")))
	require.NoError(t, wire.WritePushEnd(conn, "/new.txt"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(root, "new.txt"))
		return err == nil && string(data) == "abcd"
	}, time.Second, 10*time.Millisecond)
}

func TestPushBeginTruncatesExistingFile(t *testing.T) {
	s, root := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("old-content"), 0o644))

	conn, cleanup := dialServer(t, s)
	defer cleanup()

	require.NoError(t, wire.WritePushBegin(conn, "/existing.txt"))
	require.NoError(t, wire.WritePushChunk(conn, "/existing.txt", []byte("new")))
	require.NoError(t, wire.WritePushEnd(conn, "/existing.txt"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(root, "existing.txt"))
		return err == nil && string(data) == "new"
	}, time.Second, 10*time.Millisecond)
}
