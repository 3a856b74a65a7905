// Package cgi is the HTTP front door that runs requests through CGI scripts.
package cgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	cgigw "github.com/tjfontaine/polyglot-cgi-gateway/internal/cgi"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/identity"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/router"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/server"
)

// hopByHop headers describe the gateway-to-script hop and are never forwarded.
var hopByHop = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Te":                true,
	"Trailer":           true,
	"Upgrade":           true,
}

// SessionOptions controls the gateway-issued session cookie.
type SessionOptions struct {
	Enabled    bool
	CookieName string
	MaxAge     time.Duration
}

// Options configures a Handler. Store, Events and Policy are optional.
type Options struct {
	Router       *router.Router
	Gateway      *cgigw.Gateway
	Policy       ports.ExitPolicy
	Store        ports.InvocationStore
	Events       ports.EventPublisher
	Server       cgigw.ServerInfo
	Session      SessionOptions
	MaxRedirects int
	Logger       *slog.Logger
}

// Handler serves requests by resolving them to CGI scripts and running each
// one through the gateway. It records every invocation and publishes its
// lifecycle events when a store and publisher are configured.
type Handler struct {
	router       *router.Router
	gateway      *cgigw.Gateway
	policy       ports.ExitPolicy
	store        ports.InvocationStore
	events       ports.EventPublisher
	server       cgigw.ServerInfo
	session      SessionOptions
	maxRedirects int
	logger       *slog.Logger
}

// NewHandler creates a CGI front door handler. A nil logger falls back to
// slog.Default and an empty cookie name to identity.DefaultCookieName.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		router:       opts.Router,
		gateway:      opts.Gateway,
		policy:       opts.Policy,
		store:        opts.Store,
		events:       opts.Events,
		server:       opts.Server,
		session:      opts.Session,
		maxRedirects: max(opts.MaxRedirects, 0),
		logger:       opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.session.CookieName == "" {
		h.session.CookieName = identity.DefaultCookieName
	}
	return h
}

// ServeHTTP runs the script the request resolves to and streams its
// response, following local redirects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, setCookie := h.withSession(r)

	for hop := 0; ; hop++ {
		location, redirected := h.dispatch(w, r, hop, setCookie)
		if !redirected {
			return
		}
		if hop >= h.maxRedirects {
			err := domain.ErrRedirectLoop(h.maxRedirects).WithPath(location)
			server.AddError(r.Context(), err)
			h.writeError(w, err)
			return
		}
		next, err := redirectRequest(r, location)
		if err != nil {
			server.AddError(r.Context(), err)
			h.writeError(w, err)
			return
		}
		server.AddLogField(r.Context(), "redirects", strconv.Itoa(hop+1))
		r = next
	}
}

// withSession makes sure the child sees the session cookie, minting one
// when the client did not send it. The returned Set-Cookie value is empty
// unless an identifier was minted.
func (h *Handler) withSession(r *http.Request) (*http.Request, string) {
	if !h.session.Enabled {
		return r, ""
	}
	cookie := strings.Join(r.Header.Values("Cookie"), "; ")
	id, minted, err := identity.Recover(cookie, h.session.CookieName)
	if err != nil {
		h.logger.Warn("session id unavailable", slog.String("error", err.Error()))
		return r, ""
	}
	if !minted {
		return r, ""
	}
	r = r.Clone(r.Context())
	r.Header.Set("Cookie", identity.AppendCookie(cookie, h.session.CookieName, id))
	return r, identity.SetCookieValue(h.session.CookieName, id, h.session.MaxAge)
}

// dispatch runs one script. It returns the target when the script asked
// for a local redirect; otherwise the response has been written.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, hop int, setCookie string) (string, bool) {
	ctx := r.Context()

	script, err := h.router.Resolve(r.URL.Path)
	if err != nil {
		server.AddError(ctx, err)
		h.writeError(w, err)
		return "", false
	}
	server.AddLogField(ctx, "script", script.Name)

	rec := &domain.Invocation{
		ID:         uuid.NewString(),
		RequestID:  server.GetRequestID(ctx),
		Method:     r.Method,
		Path:       r.URL.Path,
		ScriptName: script.Name,
		Executable: script.Executable,
		State:      domain.StateSpawned,
		ExitCode:   -1,
		CreatedAt:  time.Now(),
	}
	server.AddLogField(ctx, "invocation_id", rec.ID)
	h.save(ctx, rec)

	rc := http.NewResponseController(w)
	// Let the child read the body while its output is already streaming.
	_ = rc.EnableFullDuplex()

	var outcome *cgigw.Outcome
	inv, err := h.gateway.Invoke(ctx, cgigw.Call{
		Request: r,
		Script:  script,
		Server:  h.server,
		ID:      rec.ID,
		OnAbort: func() {
			_ = rc.SetReadDeadline(time.Now())
		},
		OnFinish: func(o *cgigw.Outcome) {
			outcome = o
		},
	})
	if err != nil {
		h.finish(ctx, rec, outcome, statusFor(err), err)
		h.writeError(w, err)
		return "", false
	}

	h.publish(ctx, rec.ID, domain.LifecycleEventStarted, domain.LifecycleStartedData{
		Executable: script.Executable,
		ScriptName: script.Name,
		PID:        inv.PID,
	})

	resp := inv.Response
	if resp.Kind == cgigw.LocalRedirect {
		location := resp.Get("Location")
		o := inv.Finish()
		h.finish(ctx, rec, o, resp.StatusCode, o.Err)
		h.publish(ctx, rec.ID, domain.LifecycleEventRedirect, domain.LifecycleRedirectData{
			Location: location,
			Hop:      hop + 1,
		})
		return location, true
	}

	if h.policy != nil && h.policy.HoldResponse() {
		h.serveHeld(w, r, inv, rec, setCookie)
		return "", false
	}

	h.writeHeader(w, resp, setCookie)
	cw := &clientWriter{w: w, rc: rc}
	var dst io.Writer = cw
	if !bodyAllowed(resp.StatusCode) {
		// the script may still write a body; drain it so it can finish
		dst = io.Discard
	}
	if _, err := io.Copy(dst, resp.Body); err != nil && cw.err != nil {
		// the client is gone; nobody will read the rest
		inv.Abort()
	}
	o := inv.Finish()
	if err := h.checkExit(ctx, o); err != nil {
		// headers are committed; the exit status is only recorded
		server.AddError(ctx, err)
	}
	h.finish(ctx, rec, o, resp.StatusCode, o.Err)
	return "", false
}

// serveHeld spools the body until the exit status is known, so the exit
// policy can still replace the response with an error page.
func (h *Handler) serveHeld(w http.ResponseWriter, r *http.Request, inv *cgigw.Invocation, rec *domain.Invocation, setCookie string) {
	ctx := r.Context()

	spool, err := os.CreateTemp("", "cgi-spool-*")
	if err != nil {
		inv.Abort()
		o := inv.Finish()
		err = domain.NewGatewayError(domain.ErrorKindSpawn, "cannot spool response", err)
		h.finish(ctx, rec, o, statusFor(err), err)
		h.writeError(w, err)
		return
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	_, copyErr := io.Copy(spool, inv.Response.Body)
	if copyErr != nil {
		inv.Abort()
	}
	out := inv.Finish()

	failure := out.Err
	if failure == nil && copyErr != nil {
		failure = domain.NewGatewayError(domain.ErrorKindSpawn, "cannot spool response", copyErr)
	}
	if failure == nil {
		failure = h.checkExit(ctx, out)
	}
	if failure != nil {
		h.finish(ctx, rec, out, statusFor(failure), failure)
		h.writeError(w, failure)
		return
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		h.finish(ctx, rec, out, http.StatusInternalServerError, err)
		h.writeError(w, err)
		return
	}
	h.writeHeader(w, inv.Response, setCookie)
	if bodyAllowed(inv.Response.StatusCode) {
		if _, err := io.Copy(w, spool); err != nil {
			server.AddError(ctx, err)
		}
	}
	h.finish(ctx, rec, out, inv.Response.StatusCode, nil)
}

func (h *Handler) checkExit(ctx context.Context, out *cgigw.Outcome) error {
	if h.policy == nil || out.State != domain.StateCompleted {
		return nil
	}
	return h.policy.Check(ctx, out.ExitCode)
}

// writeHeader forwards the script's headers, minus hop-by-hop fields and
// malformed Content-Length values, and commits the status.
func (h *Handler) writeHeader(w http.ResponseWriter, resp *cgigw.Response, setCookie string) {
	header := w.Header()
	for _, f := range resp.Header {
		name := http.CanonicalHeaderKey(f.Name)
		if hopByHop[name] {
			continue
		}
		if name == "Content-Length" {
			if n, err := strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64); err != nil || n < 0 {
				h.logger.Debug("dropping invalid Content-Length from script", slog.String("value", f.Value))
				continue
			}
		}
		header.Add(name, f.Value)
	}

	if setCookie != "" && !scriptSetsCookie(resp, h.session.CookieName) {
		header.Add("Set-Cookie", setCookie)
	}
	w.WriteHeader(resp.StatusCode)
}

// bodyAllowed reports whether net/http will accept body bytes after status.
func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified
}

func scriptSetsCookie(resp *cgigw.Response, name string) bool {
	for _, v := range resp.Values("Set-Cookie") {
		if identity.SetsCookie(v, name) {
			return true
		}
	}
	return false
}

// writeError renders a minimal error page. Captured script output is
// never included.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == domain.StatusClientClosedRequest {
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%d %s\n", status, http.StatusText(status))
}

func statusFor(err error) int {
	if ge, ok := domain.AsGatewayError(err); ok {
		return ge.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// finish completes the audit record and publishes the terminal event.
func (h *Handler) finish(ctx context.Context, rec *domain.Invocation, out *cgigw.Outcome, status int, err error) {
	rec.StatusCode = status
	if out != nil {
		rec.State = out.State
		rec.ExitCode = out.ExitCode
		rec.BytesIn = out.BytesIn
		rec.BytesOut = out.BytesOut
		rec.Stderr = string(out.Stderr)
		rec.Duration = out.Duration
	} else {
		rec.State = domain.StateSpawnFailed
		rec.Duration = time.Since(rec.CreatedAt)
	}

	var ge *domain.GatewayError
	if err != nil {
		if errors.As(err, &ge) {
			rec.ErrorKind = string(ge.Kind)
		} else {
			rec.ErrorKind = "internal"
		}
		rec.ErrorMessage = err.Error()
	}

	server.AddLogField(ctx, "cgi_state", string(rec.State))
	server.AddLogField(ctx, "exit_code", strconv.Itoa(rec.ExitCode))
	h.save(ctx, rec)

	if err != nil {
		h.publish(ctx, rec.ID, domain.LifecycleEventFailed, domain.LifecycleFailedData{
			Kind:    domain.ErrorKind(rec.ErrorKind),
			Message: rec.ErrorMessage,
		})
		return
	}
	h.publish(ctx, rec.ID, domain.LifecycleEventCompleted, domain.LifecycleCompletedData{
		State:      rec.State,
		StatusCode: rec.StatusCode,
		ExitCode:   rec.ExitCode,
		Duration:   rec.Duration,
	})
}

func (h *Handler) save(ctx context.Context, rec *domain.Invocation) {
	if h.store == nil {
		return
	}
	// the record outlives a client that already went away
	if err := h.store.SaveInvocation(context.WithoutCancel(ctx), rec); err != nil {
		h.logger.Error("failed to save invocation",
			slog.String("invocation_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) publish(ctx context.Context, id string, typ domain.LifecycleEventType, data any) {
	if h.events == nil {
		return
	}
	err := h.events.Publish(context.WithoutCancel(ctx), &domain.LifecycleEvent{
		Type:         typ,
		InvocationID: id,
		Timestamp:    time.Now(),
		Data:         data,
	})
	if err != nil {
		h.logger.Warn("failed to publish lifecycle event",
			slog.String("invocation_id", id),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()))
	}
}

// redirectRequest builds the internal GET for a local redirect. The body
// of the original request is not replayed.
func redirectRequest(r *http.Request, location string) (*http.Request, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, domain.ErrMalformedOutput("invalid local redirect location", nil).WithPath(location)
	}

	next := r.Clone(r.Context())
	next.Method = http.MethodGet
	next.Body = http.NoBody
	next.ContentLength = 0
	next.TransferEncoding = nil
	next.Header.Del("Content-Type")
	next.Header.Del("Content-Length")

	target := *r.URL
	target.Path = u.Path
	target.RawPath = u.RawPath
	target.RawQuery = u.RawQuery
	next.URL = &target
	next.RequestURI = location
	return next, nil
}

// clientWriter flushes each chunk to the client and remembers write
// failures so they can be told apart from read failures on the child.
type clientWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error
}

func (c *clientWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.err = err
		return n, err
	}
	_ = c.rc.Flush()
	return n, nil
}
