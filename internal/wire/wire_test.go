package wire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteListRequest(&buf, "/data"))
	r := bufio.NewReader(&buf)
	verb, err := ReadVerb(r)
	require.NoError(t, err)
	assert.Equal(t, "LIST", verb)
	dir, err := ReadListRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "/data", dir)
}

func TestListResponseEmptyIsValid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ServeList(&buf, nil))
	entries, err := ReadListResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListResponseEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ServeList(&buf, []string{"a", "b", "c"}))
	entries, err := ReadListResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, entries)
}

// ListResponseShortReads simulates TCP short reads by feeding the reader
// one byte at a time through an io.Reader wrapper, proving the sentinel
// based framing tolerates arbitrary chunking.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestListResponseToleratesShortReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ServeList(&buf, []string{"alpha", "beta"}))
	entries, err := ReadListResponse(bufio.NewReader(oneByteReader{&buf}))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, entries)
}

func TestPullSuccessRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePullRequest(&buf, "/data/a"))
	r := bufio.NewReader(&buf)
	verb, err := ReadVerb(r)
	require.NoError(t, err)
	assert.Equal(t, "PULL", verb)
	path, err := ReadPullRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "/data/a", path)

	var resp bytes.Buffer
	require.NoError(t, ServePullHeader(&resp, 5))
	resp.WriteString("hello")
	rr := bufio.NewReader(&resp)
	size, errText, err := ReadPullHeader(rr)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Empty(t, errText)
	payload := make([]byte, size)
	_, err = io.ReadFull(rr, payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestPullErrorResponse(t *testing.T) {
	var resp bytes.Buffer
	require.NoError(t, ServePullError(&resp, "no such file"))
	size, errText, err := ReadPullHeader(bufio.NewReader(&resp))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), size)
	assert.Equal(t, "no such file", errText)
}

func TestPullHeaderShortReadsDoNotMisparse(t *testing.T) {
	var resp bytes.Buffer
	require.NoError(t, ServePullHeader(&resp, 123))
	resp.WriteString("payload-bytes-here")
	size, _, err := ReadPullHeader(bufio.NewReader(oneByteReader{&resp}))
	require.NoError(t, err)
	assert.Equal(t, int64(123), size)
}

func TestPushBeginEndFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePushBegin(&buf, "/t/a"))
	r := bufio.NewReader(&buf)
	verb, err := ReadVerb(r)
	require.NoError(t, err)
	assert.Equal(t, "PUSH", verb)
	frame, err := ReadPushFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "/t/a", frame.Path)
	assert.Equal(t, ChunkBegin, frame.Chunk)
	assert.Nil(t, frame.Payload)
}

func TestPushChunkAndEndFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePushChunk(&buf, "/t/a", []byte("AB")))
	require.NoError(t, WritePushEnd(&buf, "/t/a"))
	r := bufio.NewReader(&buf)

	verb, err := ReadVerb(r)
	require.NoError(t, err)
	assert.Equal(t, "PUSH", verb)
	frame, err := ReadPushFrame(r)
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Chunk)
	assert.Equal(t, []byte("AB"), frame.Payload)

	verb, err = ReadVerb(r)
	require.NoError(t, err)
	assert.Equal(t, "PUSH", verb)
	frame, err = ReadPushFrame(r)
	require.NoError(t, err)
	assert.Equal(t, ChunkEnd, frame.Chunk)
	assert.Nil(t, frame.Payload)
}

func TestPushChunkPayloadCanContainNewlines(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("line1\nline2\n")
	require.NoError(t, WritePushChunk(&buf, "/t/a", payload))
	r := bufio.NewReader(&buf)
	_, err := ReadVerb(r)
	require.NoError(t, err)
	frame, err := ReadPushFrame(r)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload)
}
