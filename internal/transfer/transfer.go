// Package transfer implements the per-file transfer engine described in
// spec §4.D, ported from sync_single_file in
// original_source/src/thread_pool.c: dial source, dial target, PULL,
// PUSH the bytes across in buffer-size chunks, log the outcome.
//
// Unlike the original, there is no manual extraction of a leftover "K0"
// chunk read past the size header: internal/wire's ReadPullHeader reads
// through a *bufio.Reader, so any payload bytes the kernel happened to
// deliver alongside the header stay buffered and are returned by the very
// next Read call in the relay loop below. The K0 special case in spec
// §4.D step 7 is therefore absorbed into the ordinary loop body rather
// than requiring a first-iteration branch.
package transfer

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/flog"
	"github.com/rclone-labs/filesync/internal/metrics"
	"github.com/rclone-labs/filesync/internal/pool"
	"github.com/rclone-labs/filesync/internal/registry"
	"github.com/rclone-labs/filesync/internal/wire"
)

// DialTimeout bounds how long a worker waits to connect to either peer
// before treating it as a connect failure.
const DialTimeout = 10 * time.Second

// Engine runs one file transfer per Run call. A single Engine is shared by
// every worker goroutine in the pool; it holds no per-transfer state.
type Engine struct {
	Logger     *flog.Logger
	Registry   *registry.Registry
	Metrics    *metrics.Metrics
	BufferSize int
	Dial       func(network, address string) (net.Conn, error)
}

// New returns an Engine ready to be used as a pool.Worker via Run.
func New(logger *flog.Logger, reg *registry.Registry, bufferSize int) *Engine {
	return &Engine{
		Logger:     logger,
		Registry:   reg,
		BufferSize: bufferSize,
		Dial: func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, DialTimeout)
		},
	}
}

func (e *Engine) dial(host string, port int) (net.Conn, error) {
	return e.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Run executes one sync job end to end: PULL the file from job.Source,
// PUSH it to job.Target, and log the outcome. It satisfies pool.Worker,
// and is intended to be passed directly to pool.New.
func (e *Engine) Run(workerID int, job *pool.Job) {
	srcEP := flog.TransferEndpoint{Dir: job.Source.Dir, Host: job.Source.Endpoint.Host, Port: job.Source.Endpoint.Port}
	tgtEP := flog.TransferEndpoint{Dir: job.Target.Dir, Host: job.Target.Endpoint.Host, Port: job.Target.Endpoint.Port}

	if e.Metrics != nil {
		e.Metrics.InFlight.Inc()
		defer e.Metrics.InFlight.Dec()
	}

	failed := e.run(workerID, job, srcEP, tgtEP)
	e.Registry.RecordOutcome(job.Source, time.Now(), failed)

	if e.Metrics != nil {
		if failed {
			e.Metrics.JobsFailed.Inc()
		} else {
			e.Metrics.JobsProcessed.Inc()
		}
	}
}

func (e *Engine) run(workerID int, job *pool.Job, srcEP, tgtEP flog.TransferEndpoint) (failed bool) {
	sourcePath := job.SourcePath()
	targetPath := job.TargetPath()

	srcConn, err := e.dial(job.Source.Endpoint.Host, job.Source.Endpoint.Port)
	if err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPull, flog.OutcomeError, "source connect failed: "+err.Error())
		return true
	}
	defer srcConn.Close()

	tgtConn, err := e.dial(job.Target.Endpoint.Host, job.Target.Endpoint.Port)
	if err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPush, flog.OutcomeError, "target connect failed: "+err.Error())
		return true
	}
	defer tgtConn.Close()

	srcR := bufio.NewReader(srcConn)

	if err := wire.WritePullRequest(srcConn, sourcePath); err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPull, flog.OutcomeError, "send PULL failed: "+err.Error())
		return true
	}

	size, errText, err := wire.ReadPullHeader(srcR)
	if err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPull, flog.OutcomeError, "read PULL header failed: "+err.Error())
		return true
	}
	if size < 0 {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPull, flog.OutcomeError, job.Filename+": "+errText)
		return true
	}

	if err := wire.WritePushBegin(tgtConn, targetPath); err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPush, flog.OutcomeError, "send PUSH begin failed: "+err.Error())
		return true
	}

	transferred, err := e.relay(srcR, tgtConn, targetPath, size)
	if err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPush, flog.OutcomeError, "transport error: "+err.Error())
		return true
	}

	if err := wire.WritePushEnd(tgtConn, targetPath); err != nil {
		e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPush, flog.OutcomeError, "send PUSH end failed: "+err.Error())
		return true
	}

	e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPull, flog.OutcomeSuccess, strconv.FormatInt(transferred, 10)+" bytes pulled")
	e.Logger.Transfer(srcEP, tgtEP, workerID, flog.VerbPush, flog.OutcomeSuccess, strconv.FormatInt(transferred, 10)+" bytes pushed")
	return false
}

// relay copies exactly size bytes from src to a PUSH stream on dst, in
// chunks no larger than e.BufferSize, per spec §4.D steps 7-8.
func (e *Engine) relay(src *bufio.Reader, dst io.Writer, targetPath string, size int64) (int64, error) {
	buf := make([]byte, e.BufferSize)
	var transferred int64
	for transferred < size {
		want := int64(len(buf))
		if remaining := size - transferred; remaining < want {
			want = remaining
		}
		n, err := src.Read(buf[:want])
		if n > 0 {
			if werr := wire.WritePushChunk(dst, targetPath, buf[:n]); werr != nil {
				return transferred, werr
			}
			transferred += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return transferred, errors.Wrap(err, "reading source stream")
		}
	}
	if transferred != size {
		return transferred, errors.Errorf("short read from source: got %d of %d bytes", transferred, size)
	}
	return transferred, nil
}
