package consoleapi

import (
	"bufio"
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/dirspec"
	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/registry"
)

type stubOrchestrator struct {
	err error
}

func (s *stubOrchestrator) AddPair(source, target dirspec.Spec) error {
	return s.err
}

func newTestServer(t *testing.T, orch Orchestrator) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	var logBuf bytes.Buffer
	logger := flog.New(&logBuf, true)
	var sd atomic.Bool
	return New(orch, reg, logger, &sd), reg
}

func TestDispatchAddSuccess(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	reply, shutdown := s.dispatch("add /a@1.2.3.4:9000 /b@5.6.7.8:9001")
	assert.Equal(t, "Added sync pair successfully", reply)
	assert.False(t, shutdown)
}

func TestDispatchAddAlreadyExists(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{err: registry.ErrAlreadyExists})
	reply, _ := s.dispatch("add /a@1.2.3.4:9000 /b@5.6.7.8:9001")
	assert.Equal(t, "Already in queue: /a@1.2.3.4:9000", reply)
}

func TestDispatchAddOtherErrorIsGeneric(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{err: errors.New("boom")})
	reply, _ := s.dispatch("add /a@1.2.3.4:9000 /b@5.6.7.8:9001")
	assert.Equal(t, "Error adding sync pair", reply)
}

func TestDispatchAddMalformedSpec(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	reply, _ := s.dispatch("add not-a-spec /b@5.6.7.8:9001")
	assert.Equal(t, "Error adding sync pair", reply)
}

func TestDispatchCancelSuccess(t *testing.T) {
	s, reg := newTestServer(t, &stubOrchestrator{})
	src := dirspec.Spec{Dir: "/a", Endpoint: dirspec.Endpoint{Host: "1.2.3.4", Port: 9000}}
	require.NoError(t, reg.Add(src, dirspec.Spec{Dir: "/b", Endpoint: dirspec.Endpoint{Host: "5.6.7.8", Port: 9001}}))

	reply, _ := s.dispatch("cancel /a@1.2.3.4:9000")
	assert.Equal(t, "Synchronization stopped for /a@1.2.3.4:9000", reply)
}

func TestDispatchCancelNotFound(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	reply, _ := s.dispatch("cancel /a@1.2.3.4:9000")
	assert.Equal(t, "Directory not being synchronized: /a@1.2.3.4:9000", reply)
}

func TestDispatchShutdown(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	reply, shutdown := s.dispatch("shutdown")
	assert.Equal(t, "Shutting down manager...", reply)
	assert.True(t, shutdown)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	reply, _ := s.dispatch("frobnicate everything")
	assert.Equal(t, "Invalid command: frobnicate everything", reply)
}

func TestServeEndToEndAddAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, &stubOrchestrator{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		s.Serve(ln)
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("add /a@1.2.3.4:9000 /b@5.6.7.8:9001\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Added sync pair successfully\n", line)

	_, err = conn.Write([]byte("shutdown\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Shutting down manager...\n", line)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after shutdown command")
	}
	assert.True(t, s.Shutdown.Load())
}
