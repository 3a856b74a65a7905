package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	cgigw "github.com/tjfontaine/polyglot-cgi-gateway/internal/cgi"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/identity"
)

type runOptions struct {
	Script      string
	Interpreter string
	Method      string
	Query       string
	PathInfo    string
	BodyFile    string
	Cookie      string
	Headers     []string
	Env         []string
	Timeout     time.Duration
	Verbose     bool
}

// runScript invokes the script once. The response head goes to stdout
// followed by the body; the outcome summary goes to stderr.
func runScript(ctx context.Context, opts runOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	filename, err := filepath.Abs(opts.Script)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filename); err != nil {
		return err
	}

	req, err := buildRequest(ctx, opts, filename, stdin)
	if err != nil {
		return err
	}
	if req.Body != nil {
		defer req.Body.Close()
	}

	script := cgigw.Script{
		Executable:   filename,
		Filename:     filename,
		Name:         "/" + filepath.Base(filename),
		PathInfo:     opts.PathInfo,
		DocumentRoot: filepath.Dir(filename),
	}
	if opts.PathInfo != "" {
		script.PathTranslated = filepath.Join(script.DocumentRoot, filepath.FromSlash(opts.PathInfo))
	}
	if opts.Interpreter != "" {
		script.Executable = opts.Interpreter
		script.Args = []string{filename}
	}

	env, err := parseEnv(opts.Env)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	gw := cgigw.New(cgigw.Config{
		Timeout:    opts.Timeout,
		InheritEnv: []string{"PATH"},
		Env:        env,
	}, logger)

	var outcome *cgigw.Outcome
	inv, err := gw.Invoke(ctx, cgigw.Call{
		Request:  req,
		Script:   script,
		Server:   cgigw.ServerInfo{Name: "localhost", Port: "80", Software: "cgirun"},
		OnFinish: func(o *cgigw.Outcome) { outcome = o },
	})
	if err != nil {
		if outcome != nil {
			summarize(stderr, outcome)
		}
		return err
	}

	if opts.Verbose {
		for _, kv := range inv.Meta.Environ() {
			fmt.Fprintf(stderr, "> %s\n", kv)
		}
	}

	resp := inv.Response
	fmt.Fprintf(stdout, "Status: %s\n", resp.StatusLine())
	for _, f := range resp.Header {
		fmt.Fprintf(stdout, "%s: %s\n", f.Name, f.Value)
	}
	fmt.Fprintln(stdout)

	_, copyErr := io.Copy(stdout, resp.Body)
	if copyErr != nil {
		inv.Abort()
	}
	outcome = inv.Finish()

	fmt.Fprintf(stderr, "kind: %s\n", resp.Kind)
	summarize(stderr, outcome)

	switch {
	case outcome.Err != nil:
		return outcome.Err
	case copyErr != nil:
		return copyErr
	case outcome.ExitCode != 0:
		return domain.ErrExitStatus(outcome.ExitCode)
	}
	return nil
}

func buildRequest(ctx context.Context, opts runOptions, filename string, stdin io.Reader) (*http.Request, error) {
	target := "http://localhost/" + filepath.Base(filename) + opts.PathInfo
	if opts.Query != "" {
		target += "?" + opts.Query
	}

	var (
		body io.Reader
		size int64 = -1
	)
	switch opts.BodyFile {
	case "":
	case "-":
		// buffered so the script sees a CONTENT_LENGTH
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	default:
		f, err := os.Open(opts.BodyFile)
		if err != nil {
			return nil, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		body, size = f, fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(opts.Method), target, body)
	if err != nil {
		if c, ok := body.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.RemoteAddr = "127.0.0.1:0"
	req.RequestURI = req.URL.RequestURI()

	for _, h := range opts.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q: want Name: value", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if opts.Cookie != "" {
		req.Header.Set("Cookie", opts.Cookie)
	}
	if body != nil && req.Header.Get("Content-Type") == "" && req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("env %q: want NAME=value", kv)
		}
		env[name] = value
	}
	return env, nil
}

func summarize(w io.Writer, o *cgigw.Outcome) {
	fmt.Fprintf(w, "state: %s, exit: %d, in: %s, out: %s, took %s\n",
		o.State, o.ExitCode,
		humanize.Bytes(uint64(o.BytesIn)), humanize.Bytes(uint64(o.BytesOut)),
		o.Duration.Round(time.Millisecond))
	if len(o.Stderr) > 0 {
		suffix := ""
		if o.StderrTruncated {
			suffix = " (truncated)"
		}
		fmt.Fprintf(w, "stderr%s:\n%s\n", suffix, strings.TrimRight(string(o.Stderr), "\n"))
	}
	var ge *domain.GatewayError
	if errors.As(o.Err, &ge) && len(ge.Captured) > 0 {
		fmt.Fprintf(w, "captured output:\n%s\n", ge.Captured)
	}
}

// mint prints count identifiers, each followed by the Set-Cookie value
// the gateway would issue for it.
func mint(count int, cookieName string, maxAge time.Duration, w io.Writer) error {
	if count < 1 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	if cookieName == "" {
		cookieName = identity.DefaultCookieName
	}
	for i := 0; i < count; i++ {
		id, err := identity.Mint()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, id)
		fmt.Fprintf(w, "Set-Cookie: %s\n", identity.SetCookieValue(cookieName, id, maxAge))
	}
	return nil
}
