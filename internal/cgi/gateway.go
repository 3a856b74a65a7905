package cgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

// stderrGrace bounds how long stderr is drained after the child is gone.
const stderrGrace = 250 * time.Millisecond

// Config controls invocation limits and the inherited environment.
type Config struct {
	// Timeout is the single spawn-to-exit deadline. Zero disables it.
	Timeout        time.Duration
	MaxHeaderBytes int
	MaxStderrBytes int
	// InheritEnv names variables copied from the gateway's own environment.
	InheritEnv []string
	// Env holds static variables. Meta-variables take precedence.
	Env map[string]string
}

// Gateway spawns one child per request and supervises it.
// It holds no per-invocation state and is safe for concurrent use.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/tjfontaine/polyglot-cgi-gateway/internal/cgi"),
	}
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Call is one request to run through a script.
type Call struct {
	Request *http.Request
	Script  Script
	Server  ServerInfo

	// Body replaces Request.Body as the child's stdin when set.
	Body io.Reader

	// OnAbort is invoked when the child is gone before the request body was
	// fully consumed, so a read blocked on a slow client can be released.
	OnAbort func()

	// OnFinish receives the Outcome once the child is reaped, including
	// when Invoke itself returns an error after the spawn.
	OnFinish func(*Outcome)

	// ID names the invocation; a UUID is generated when empty.
	ID string
}

// Outcome is the final report of an invocation.
type Outcome struct {
	ID              string
	PID             int
	State           domain.InvocationState
	ExitCode        int
	BytesIn         int64
	BytesOut        int64
	StdinErr        error
	Stderr          []byte
	StderrTruncated bool
	Duration        time.Duration

	// Err is the termination cause (timeout, cancellation) or the header
	// error that ended the invocation, if any.
	Err error
}

// Invocation is a running child whose response headers have been read.
// The caller streams Response.Body and must call Finish exactly once on
// every path; Finish reaps the child and closes all pipes.
type Invocation struct {
	ID       string
	PID      int
	Meta     *MetaVariables
	Response *Response

	g       *Gateway
	proc    *Process
	call    Call
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	start   time.Time
	units   errgroup.Group
	stderr  *stderrBuffer
	body    *bodyReader
	failErr error

	bytesIn   atomic.Int64
	stdinDone atomic.Bool
	stdinErr  error

	termOnce  sync.Once
	termMu    sync.Mutex
	termState domain.InvocationState
	termCause error

	done        chan struct{}
	watcherDone chan struct{}
	finishOnce  sync.Once
	outcome     *Outcome
}

// Invoke spawns the script, starts the stdin and stderr units, and reads
// the CGI header block. On error the child has already been reaped.
func (g *Gateway) Invoke(ctx context.Context, call Call) (*Invocation, error) {
	start := time.Now()
	id := call.ID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := g.tracer.Start(ctx, "cgi.invoke", trace.WithAttributes(
		attribute.String("cgi.invocation_id", id),
		attribute.String("cgi.executable", call.Script.Executable),
		attribute.String("cgi.script_name", call.Script.Name),
	))

	var cancel context.CancelFunc
	if g.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	meta := BuildMetaVariables(call.Request, call.Script, call.Server)
	proc, err := Launch(LaunchSpec{
		Path: call.Script.Executable,
		Args: call.Script.Args,
		Env:  g.environ(meta),
		Dir:  call.Script.WorkingDir(),
	})
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		span.SetAttributes(attribute.String("cgi.state", string(domain.StateSpawnFailed)))
		span.End()
		g.logger.Error("cgi spawn failed",
			slog.String("invocation_id", id),
			slog.String("executable", call.Script.Executable),
			slog.String("error", err.Error()))
		return nil, err
	}

	g.logger.Debug("cgi child spawned",
		slog.String("invocation_id", id),
		slog.Int("pid", proc.PID),
		slog.String("executable", proc.cmd.Path),
		slog.String("dir", call.Script.WorkingDir()))

	inv := &Invocation{
		ID:          id,
		PID:         proc.PID,
		Meta:        meta,
		g:           g,
		proc:        proc,
		call:        call,
		ctx:         ctx,
		cancel:      cancel,
		span:        span,
		start:       start,
		stderr:      newStderrBuffer(g.cfg.MaxStderrBytes),
		done:        make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	span.SetAttributes(attribute.Int("process.pid", proc.PID))

	go inv.watch()

	body := call.Body
	if body == nil {
		body = call.Request.Body
	}
	inv.units.Go(func() error {
		n, err := StreamBody(proc.Stdin, body)
		inv.bytesIn.Store(n)
		inv.stdinErr = err
		inv.stdinDone.Store(true)
		return nil
	})
	inv.units.Go(func() error {
		_, err := io.Copy(inv.stderr, proc.Stderr)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
			g.logger.Debug("cgi stderr drain ended", slog.String("invocation_id", id), slog.String("error", err.Error()))
		}
		return nil
	})

	resp, err := ReadResponse(proc.Stdout, g.cfg.MaxHeaderBytes)
	if err != nil {
		err = inv.headerError(err)
		inv.failErr = err
		inv.abort()
		inv.Finish()
		return nil, err
	}

	inv.body = &bodyReader{inv: inv, r: resp.Body}
	resp.Body = inv.body
	inv.Response = resp
	span.SetAttributes(
		attribute.Int("cgi.status_code", resp.StatusCode),
		attribute.String("cgi.response_kind", resp.Kind.String()))
	return inv, nil
}

func (g *Gateway) environ(meta *MetaVariables) []string {
	env := make([]string, 0, len(g.cfg.InheritEnv)+len(g.cfg.Env)+meta.Len())
	for _, name := range g.cfg.InheritEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	keys := make([]string, 0, len(g.cfg.Env))
	for k := range g.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+g.cfg.Env[k])
	}
	// exec keeps the last duplicate, so meta-variables win
	return append(env, meta.Environ()...)
}

// watch enforces the deadline and propagates cancellation until Finish.
func (inv *Invocation) watch() {
	defer close(inv.watcherDone)
	select {
	case <-inv.ctx.Done():
		if errors.Is(inv.ctx.Err(), context.DeadlineExceeded) {
			inv.terminate(domain.StateTimedOut,
				domain.ErrGatewayTimeout(fmt.Sprintf("child still running after %s", inv.g.cfg.Timeout)))
			return
		}
		inv.terminate(domain.StateKilled, domain.ErrCanceled(inv.ctx.Err()))
	case <-inv.done:
	}
}

// terminate kills the child once and unblocks every unit waiting on it.
func (inv *Invocation) terminate(state domain.InvocationState, cause error) {
	inv.termOnce.Do(func() {
		inv.termMu.Lock()
		inv.termState = state
		inv.termCause = cause
		inv.termMu.Unlock()

		if err := inv.proc.Kill(); err != nil {
			inv.g.logger.Warn("cgi kill failed",
				slog.String("invocation_id", inv.ID),
				slog.Int("pid", inv.PID),
				slog.String("error", err.Error()))
		}

		now := time.Now()
		_ = inv.proc.Stdout.SetReadDeadline(now)
		_ = inv.proc.Stderr.SetReadDeadline(now.Add(stderrGrace))
		inv.releaseStdin(now)
	})
}

// Abort kills the child if it is still running. Call it when the response
// will not be consumed, before Finish.
func (inv *Invocation) Abort() {
	inv.abort()
}

func (inv *Invocation) abort() {
	select {
	case <-inv.proc.Exited():
		return
	default:
	}
	inv.terminate(domain.StateKilled, nil)
}

func (inv *Invocation) releaseStdin(now time.Time) {
	if inv.stdinDone.Load() {
		return
	}
	_ = inv.proc.Stdin.SetWriteDeadline(now)
	if inv.call.OnAbort != nil {
		inv.call.OnAbort()
	}
}

func (inv *Invocation) termination() (domain.InvocationState, error) {
	inv.termMu.Lock()
	defer inv.termMu.Unlock()
	return inv.termState, inv.termCause
}

func (inv *Invocation) headerError(err error) error {
	if _, cause := inv.termination(); cause != nil {
		return cause
	}
	if _, ok := domain.AsGatewayError(err); ok {
		return err
	}
	ge := domain.ErrMalformedOutput("cannot read header block", nil)
	ge.Err = err
	return ge
}

// Finish waits for the child to exit, drains the concurrent units, closes
// every pipe and reports the outcome. It is safe to call more than once.
func (inv *Invocation) Finish() *Outcome {
	inv.finishOnce.Do(inv.finish)
	return inv.outcome
}

func (inv *Invocation) finish() {
	// A child still writing now gets EPIPE.
	inv.proc.Stdout.Close()

	_ = inv.proc.sweep()
	now := time.Now()
	_ = inv.proc.Stderr.SetReadDeadline(now.Add(stderrGrace))
	inv.releaseStdin(now)

	_ = inv.units.Wait()
	inv.proc.Stderr.Close()

	close(inv.done)
	<-inv.watcherDone
	inv.cancel()

	state, cause := inv.termination()
	if state == "" {
		state = domain.StateCompleted
	}
	if state == domain.StateKilled && cause == nil && inv.proc.ExitCode() >= 0 {
		// the child exited on its own before the abort landed
		state = domain.StateCompleted
	}
	stderr, truncated := inv.stderr.Snapshot()

	o := &Outcome{
		ID:              inv.ID,
		PID:             inv.PID,
		State:           state,
		ExitCode:        inv.proc.ExitCode(),
		BytesIn:         inv.bytesIn.Load(),
		StdinErr:        inv.stdinErr,
		Stderr:          stderr,
		StderrTruncated: truncated,
		Duration:        time.Since(inv.start),
		Err:             cause,
	}
	if inv.failErr != nil {
		o.Err = inv.failErr
	}
	if inv.body != nil {
		o.BytesOut = inv.body.n.Load()
	}
	inv.outcome = o
	inv.report(o)
	if inv.call.OnFinish != nil {
		inv.call.OnFinish(o)
	}
}

func (inv *Invocation) report(o *Outcome) {
	logger := inv.g.logger.With(
		slog.String("invocation_id", o.ID),
		slog.Int("pid", o.PID))

	if len(o.Stderr) > 0 {
		logger.Warn("cgi stderr",
			slog.String("stderr", string(o.Stderr)),
			slog.String("stderr_size", humanize.Bytes(uint64(len(o.Stderr)))),
			slog.Bool("truncated", o.StderrTruncated))
	}
	if o.StdinErr != nil {
		logger.Info("cgi stdin not fully delivered",
			slog.Int64("bytes_in", o.BytesIn),
			slog.String("error", o.StdinErr.Error()))
	}
	if o.State == domain.StateCompleted && o.ExitCode != 0 {
		logger.Warn("cgi child exited non-zero", slog.Int("exit_code", o.ExitCode))
	}

	attrs := []slog.Attr{
		slog.String("state", string(o.State)),
		slog.Int("exit_code", o.ExitCode),
		slog.Int64("bytes_in", o.BytesIn),
		slog.Int64("bytes_out", o.BytesOut),
		slog.Duration("duration", o.Duration),
	}
	level := slog.LevelInfo
	if o.Err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", o.Err.Error()))
		if ge, ok := domain.AsGatewayError(o.Err); ok && len(ge.Captured) > 0 {
			attrs = append(attrs, slog.String("captured", string(ge.Captured)))
		}
	}
	logger.LogAttrs(context.Background(), level, "cgi invocation finished", attrs...)

	inv.span.SetAttributes(
		attribute.String("cgi.state", string(o.State)),
		attribute.Int("cgi.exit_code", o.ExitCode),
		attribute.Int64("cgi.bytes_in", o.BytesIn),
		attribute.Int64("cgi.bytes_out", o.BytesOut))
	if o.Err != nil {
		inv.span.RecordError(o.Err)
		inv.span.SetStatus(codes.Error, o.Err.Error())
	}
	inv.span.End()
}

// Outcome returns the final report, or nil before Finish.
func (inv *Invocation) Outcome() *Outcome {
	select {
	case <-inv.done:
		return inv.outcome
	default:
		return nil
	}
}

// Context is canceled when the invocation ends or its deadline passes.
func (inv *Invocation) Context() context.Context {
	return inv.ctx
}

// bodyReader counts body bytes and reports the termination cause in place
// of the raw pipe error.
type bodyReader struct {
	inv *Invocation
	r   io.Reader
	n   atomic.Int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n.Add(int64(n))
	if err != nil {
		// a killed child also ends in EOF; the body is truncated
		if _, cause := b.inv.termination(); cause != nil {
			return n, cause
		}
	}
	return n, err
}
