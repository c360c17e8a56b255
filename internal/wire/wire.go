// Package wire implements the LIST/PULL/PUSH framing described in
// spec §4.A, ported from handle_list_command / handle_pull_command /
// handle_push_command in original_source/src/nfs_client_logic.c and the
// PULL/PUSH halves of sync_single_file in original_source/src/thread_pool.c.
//
// Every read goes through a *bufio.Reader and every multi-byte token is
// scanned one byte at a time up to its delimiter. That resolves the spec §9
// open question about the original C code's "one recv() == one message"
// assumption: a TCP short read can never split a token mid-parse here,
// because the token scan simply keeps calling ReadByte until it sees its
// delimiter or hits an error.
package wire

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel terminates a LIST response.
const Sentinel = "."

// ErrProtocol marks a malformed frame (missing separator, non-numeric
// size/chunk-code). Per spec §7 this is handled identically to a
// TransportError by callers: logged and contained, never propagated.
var ErrProtocol = errors.New("wire: protocol error")

// readToken reads bytes up to (and consuming) the next space or '\n',
// returning the token and which delimiter ended it.
func readToken(r *bufio.Reader) (token string, delim byte, err error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return string(buf), 0, err
		}
		if b == ' ' || b == '\n' {
			return string(buf), b, nil
		}
		buf = append(buf, b)
	}
}

// --- LIST ---

// WriteListRequest sends "LIST <dir>\n".
func WriteListRequest(w io.Writer, dir string) error {
	_, err := io.WriteString(w, "LIST "+dir+"\n")
	return err
}

// ReadVerb reads the leading "<VERB> " token common to all three request
// shapes, so the caller can dispatch before picking the matching
// Read*Request function for the rest of the frame.
func ReadVerb(r *bufio.Reader) (string, error) {
	tok, delim, err := readToken(r)
	if err != nil {
		return "", err
	}
	if delim != ' ' {
		return "", errors.Wrap(ErrProtocol, "missing verb separator")
	}
	return tok, nil
}

// ReadListRequest reads the rest of a "LIST <dir>\n" request, with the
// leading "LIST " verb token already consumed via ReadVerb.
func ReadListRequest(r *bufio.Reader) (dir string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ServeList writes zero or more "<filename>\n" lines followed by the "."
// sentinel line, matching handle_list_command.
func ServeList(w io.Writer, entries []string) error {
	for _, name := range entries {
		if _, err := io.WriteString(w, name+"\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, Sentinel+"\n")
	return err
}

// ReadListResponse reads "<filename>\n" lines until the sentinel line,
// tolerating arbitrary short reads because it is built on bufio.Reader.
func ReadListResponse(r *bufio.Reader) ([]string, error) {
	var entries []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return entries, nil
			}
			return entries, err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == Sentinel {
			return entries, nil
		}
		entries = append(entries, line)
	}
}

// --- PULL ---

// WritePullRequest sends "PULL <path>\n".
func WritePullRequest(w io.Writer, path string) error {
	_, err := io.WriteString(w, "PULL "+path+"\n")
	return err
}

// ReadPullRequest reads the rest of a "PULL <path>\n" request, with the
// leading "PULL " verb token already consumed via ReadVerb.
func ReadPullRequest(r *bufio.Reader) (path string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ServePullError writes the "-1 <errtext>" failure response (no trailing
// size/content, no trailing newline — the connection is closed by the
// caller right after).
func ServePullError(w io.Writer, errText string) error {
	_, err := io.WriteString(w, "-1 "+errText)
	return err
}

// ServePullHeader writes the success size header "<size> " that precedes
// the raw file bytes.
func ServePullHeader(w io.Writer, size int64) error {
	_, err := io.WriteString(w, strconv.FormatInt(size, 10)+" ")
	return err
}

// ReadPullHeader reads the PULL response header: a decimal size followed by
// a single space. On success size >= 0 and errText is empty. On failure
// size == -1 and errText holds the rest of the response (read until EOF,
// since the error form carries no length prefix and the connection is
// closed by the peer right after).
//
// The byte-at-a-time scan is what makes this immune to the short-read bug
// described in spec §9: the original recv()-once implementation could
// split the size header from the data that followed it in the same
// packet; reading one byte at a time through a buffered reader cannot.
func ReadPullHeader(r *bufio.Reader) (size int64, errText string, err error) {
	tok, delim, err := readToken(r)
	if err != nil {
		return 0, "", err
	}
	if delim != ' ' {
		return 0, "", errors.Wrap(ErrProtocol, "missing size separator")
	}
	n, convErr := strconv.ParseInt(tok, 10, 64)
	if convErr != nil {
		return 0, "", errors.Wrap(ErrProtocol, "non-numeric size")
	}
	if n < 0 {
		rest, _ := io.ReadAll(r)
		return -1, string(rest), nil
	}
	return n, "", nil
}

// --- PUSH ---

// Chunk codes, per spec §4.A / GLOSSARY.
const (
	ChunkBegin = -1
	ChunkEnd   = 0
)

// WritePushBegin sends "PUSH <path> -1\n", opening/truncating path at the
// target for writing.
func WritePushBegin(w io.Writer, path string) error {
	_, err := io.WriteString(w, "PUSH "+path+" -1\n")
	return err
}

// WritePushEnd sends "PUSH <path> 0\n", closing the file at the target.
func WritePushEnd(w io.Writer, path string) error {
	_, err := io.WriteString(w, "PUSH "+path+" 0\n")
	return err
}

// WritePushChunk sends "PUSH <path> <n> " followed immediately by the n
// raw bytes of data (no trailing newline: the next frame starts right
// after the payload).
func WritePushChunk(w io.Writer, path string, data []byte) error {
	header := "PUSH " + path + " " + strconv.Itoa(len(data)) + " "
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// PushFrame is one parsed PUSH command as seen by the client-side verb
// server.
type PushFrame struct {
	Path    string
	Chunk   int
	Payload []byte
}

// ReadPushFrame parses the rest of one "PUSH <path> <n>[ <payload>]\n"
// frame, with the leading "PUSH " verb token already consumed via
// ReadVerb. For n<=0 frames the whole thing is line-terminated and
// Payload is nil. For n>0 frames, exactly n raw bytes follow the
// separating space and there is no trailing newline.
func ReadPushFrame(r *bufio.Reader) (PushFrame, error) {
	path, delim, err := readToken(r)
	if err != nil {
		return PushFrame{}, err
	}
	if delim != ' ' {
		return PushFrame{}, errors.Wrap(ErrProtocol, "missing chunk separator")
	}
	chunkTok, delim, err := readToken(r)
	if err != nil {
		return PushFrame{}, err
	}
	n, convErr := strconv.Atoi(chunkTok)
	if convErr != nil {
		return PushFrame{}, errors.Wrap(ErrProtocol, "non-numeric chunk code")
	}
	if n <= 0 {
		if delim != '\n' {
			return PushFrame{}, errors.Wrap(ErrProtocol, "begin/end frame must be newline-terminated")
		}
		return PushFrame{Path: path, Chunk: n}, nil
	}
	if delim != ' ' {
		return PushFrame{}, errors.Wrap(ErrProtocol, "missing payload separator")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return PushFrame{}, err
	}
	return PushFrame{Path: path, Chunk: n, Payload: payload}, nil
}
