package cgi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a unix host")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// writeScript creates an executable /bin/sh script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestGateway(cfg Config) *Gateway {
	if cfg.InheritEnv == nil {
		cfg.InheritEnv = []string{"PATH"}
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func invoke(t *testing.T, g *Gateway, path, target string, body io.Reader) (*Invocation, error) {
	t.Helper()
	req := httptest.NewRequest("GET", target, body)
	if body != nil {
		req.Method = "POST"
	}
	return g.Invoke(context.Background(), Call{
		Request: req,
		Script:  Script{Executable: path, Filename: path, Name: "/cgi/" + filepath.Base(path)},
		Server:  ServerInfo{Software: "polyglot-cgi-gateway"},
	})
}

func TestGateway_EndToEnd(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "hello", `
printf 'Content-Type: text/plain\r\n\r\n'
echo "REQUEST_METHOD=$REQUEST_METHOD"
echo "QUERY_STRING=$QUERY_STRING"
echo "HTTP_COOKIE=$HTTP_COOKIE"
echo "CONTENT_LENGTH=[$CONTENT_LENGTH]"
echo "GATEWAY_INTERFACE=$GATEWAY_INTERFACE"
echo "PWD=$(pwd)"
`)

	req := httptest.NewRequest("GET", "/cgi/hello?x=1", nil)
	req.Header.Set("Cookie", "WEBSERV_ID=deadbeef")

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	inv, err := g.Invoke(context.Background(), Call{
		Request: req,
		Script:  Script{Executable: script, Filename: script, Name: "/cgi/hello"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, err := io.ReadAll(inv.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	outcome := inv.Finish()

	if inv.Response.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", inv.Response.StatusCode)
	}
	if got := inv.Response.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	for _, want := range []string{
		"REQUEST_METHOD=GET\n",
		"QUERY_STRING=x=1\n",
		"HTTP_COOKIE=WEBSERV_ID=deadbeef\n",
		"CONTENT_LENGTH=[]\n",
		"GATEWAY_INTERFACE=CGI/1.1\n",
		"PWD=" + filepath.Dir(script) + "\n",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	if outcome.State != domain.StateCompleted {
		t.Errorf("State = %s, want completed", outcome.State)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("ExitCode = %d", outcome.ExitCode)
	}
	if outcome.BytesOut != int64(len(body)) {
		t.Errorf("BytesOut = %d, want %d", outcome.BytesOut, len(body))
	}
}

func TestGateway_BinaryRoundTrip(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "echo", "printf 'Content-Type: application/octet-stream\\n\\n'\nexec cat\n")

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/echo", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	got, err := io.ReadAll(inv.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	outcome := inv.Finish()

	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %d bytes, not identical to the %d sent", len(got), len(payload))
	}
	if outcome.BytesIn != int64(len(payload)) {
		t.Errorf("BytesIn = %d, want %d", outcome.BytesIn, len(payload))
	}
	if outcome.StdinErr != nil {
		t.Errorf("StdinErr = %v", outcome.StdinErr)
	}
}

func TestGateway_StderrNeverInBody(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "noisy", `
echo "warning: something odd" >&2
printf 'Content-Type: text/plain\n\nclean'
echo "more noise" >&2
`)

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/noisy", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, _ := io.ReadAll(inv.Response.Body)
	outcome := inv.Finish()

	if string(body) != "clean" {
		t.Errorf("body = %q, want %q", body, "clean")
	}
	if !strings.Contains(string(outcome.Stderr), "something odd") || !strings.Contains(string(outcome.Stderr), "more noise") {
		t.Errorf("Stderr = %q", outcome.Stderr)
	}
}

func TestGateway_StderrBounded(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "flood", `
i=0
while [ $i -lt 200 ]; do
  echo "0123456789012345678901234567890123456789" >&2
  i=$((i+1))
done
printf 'Content-Type: text/plain\n\n'
`)

	g := newTestGateway(Config{Timeout: 10 * time.Second, MaxStderrBytes: 1024})
	inv, err := invoke(t, g, script, "/cgi/flood", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	io.Copy(io.Discard, inv.Response.Body)
	outcome := inv.Finish()

	if len(outcome.Stderr) != 1024 {
		t.Errorf("len(Stderr) = %d, want 1024", len(outcome.Stderr))
	}
	if !outcome.StderrTruncated {
		t.Error("StderrTruncated = false")
	}
}

func TestGateway_TimeoutBeforeHeaders(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "hang", "sleep 30\n")

	g := newTestGateway(Config{Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, err := invoke(t, g, script, "/cgi/hang", nil)
	elapsed := time.Since(start)

	if !domain.IsKind(err, domain.ErrorKindTimeout) {
		t.Fatalf("error = %v, want gateway_timeout", err)
	}
	ge, _ := domain.AsGatewayError(err)
	if ge.HTTPStatusCode() != 504 {
		t.Errorf("HTTPStatusCode() = %d, want 504", ge.HTTPStatusCode())
	}
	if elapsed > 5*time.Second {
		t.Errorf("child outlived its deadline: took %s", elapsed)
	}
}

func TestGateway_TimeoutDuringBody(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "slow", "printf 'Content-Type: text/plain\\n\\npartial'\nsleep 30\n")

	g := newTestGateway(Config{Timeout: 300 * time.Millisecond})
	inv, err := invoke(t, g, script, "/cgi/slow", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	start := time.Now()
	body, err := io.ReadAll(inv.Response.Body)
	outcome := inv.Finish()

	if !domain.IsKind(err, domain.ErrorKindTimeout) {
		t.Errorf("body read error = %v, want gateway_timeout", err)
	}
	if string(body) != "partial" {
		t.Errorf("body = %q, want %q", body, "partial")
	}
	if outcome.State != domain.StateTimedOut {
		t.Errorf("State = %s, want timed_out", outcome.State)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("teardown took %s", time.Since(start))
	}
}

func TestGateway_Cancel(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "hang", "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	_, err := g.Invoke(ctx, Call{
		Request: httptest.NewRequest("GET", "/cgi/hang", nil),
		Script:  Script{Executable: script},
	})
	if !domain.IsKind(err, domain.ErrorKindCanceled) {
		t.Fatalf("error = %v, want canceled", err)
	}
}

func TestGateway_SpawnErrors(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	notExec := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(notExec, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope")},
		{"not executable", notExec},
		{"directory", dir},
	}

	g := newTestGateway(Config{Timeout: time.Second})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(t, g, tt.path, "/cgi/x", nil)
			if !domain.IsKind(err, domain.ErrorKindSpawn) {
				t.Fatalf("error = %v, want spawn_error", err)
			}
			ge, _ := domain.AsGatewayError(err)
			if ge.HTTPStatusCode() != 502 {
				t.Errorf("HTTPStatusCode() = %d, want 502", ge.HTTPStatusCode())
			}
		})
	}
}

func TestGateway_MalformedOutput(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "bad", "echo 'not a header line'\necho\necho body\n")

	g := newTestGateway(Config{Timeout: 5 * time.Second})
	_, err := invoke(t, g, script, "/cgi/bad", nil)
	if !domain.IsKind(err, domain.ErrorKindMalformedOutput) {
		t.Fatalf("error = %v, want malformed_output", err)
	}
	ge, _ := domain.AsGatewayError(err)
	if !bytes.Contains(ge.Captured, []byte("not a header line")) {
		t.Errorf("Captured = %q", ge.Captured)
	}
	if strings.Contains(ge.Error(), "not a header line") {
		t.Error("captured output leaked into the error message")
	}
}

func TestGateway_ExitWithoutOutput(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "silent", "exit 3\n")

	g := newTestGateway(Config{Timeout: 5 * time.Second})
	var outcome *Outcome
	_, err := g.Invoke(context.Background(), Call{
		Request:  httptest.NewRequest("GET", "/cgi/silent", nil),
		Script:   Script{Executable: script, Filename: script, Name: "/cgi/silent"},
		OnFinish: func(o *Outcome) { outcome = o },
	})
	if !domain.IsKind(err, domain.ErrorKindMalformedOutput) {
		t.Fatalf("error = %v, want malformed_output", err)
	}
	if outcome == nil {
		t.Fatal("OnFinish not called for a failed invocation")
	}
	if outcome.ExitCode != 3 || outcome.State != domain.StateCompleted {
		t.Errorf("outcome = state %s exit %d, want completed/3", outcome.State, outcome.ExitCode)
	}
	if !domain.IsKind(outcome.Err, domain.ErrorKindMalformedOutput) {
		t.Errorf("outcome.Err = %v", outcome.Err)
	}
}

func TestGateway_ChildIgnoresStdin(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "ignore", "printf 'Content-Type: text/plain\\n\\nok'\n")

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/ignore", bytes.NewReader(make([]byte, 1<<20)))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, _ := io.ReadAll(inv.Response.Body)
	outcome := inv.Finish()

	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if !domain.IsKind(outcome.StdinErr, domain.ErrorKindBrokenPipe) {
		t.Errorf("StdinErr = %v, want broken_pipe", outcome.StdinErr)
	}
	if outcome.State != domain.StateCompleted {
		t.Errorf("State = %s, want completed", outcome.State)
	}
}

func TestGateway_NonZeroExitAfterBody(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "fail", "printf 'Content-Type: text/plain\\n\\ndone'\nexit 7\n")

	g := newTestGateway(Config{Timeout: 5 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/fail", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	io.Copy(io.Discard, inv.Response.Body)
	outcome := inv.Finish()

	if outcome.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", outcome.ExitCode)
	}
	if outcome.Err != nil {
		t.Errorf("Err = %v, exit status is left to policy", outcome.Err)
	}
}

func TestGateway_Environment(t *testing.T) {
	requireUnix(t)
	t.Setenv("CGI_GATEWAY_TEST_INHERITED", "from-parent")
	t.Setenv("CGI_GATEWAY_TEST_HIDDEN", "secret")
	script := writeScript(t, "env", "printf 'Content-Type: text/plain\\n\\n'\nenv\n")

	g := newTestGateway(Config{
		Timeout:    5 * time.Second,
		InheritEnv: []string{"CGI_GATEWAY_TEST_INHERITED", "PATH"},
		Env:        map[string]string{"APP_MODE": "test", "REQUEST_METHOD": "SPOOFED"},
	})
	inv, err := invoke(t, g, script, "/cgi/env", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, _ := io.ReadAll(inv.Response.Body)
	inv.Finish()

	env := string(body)
	for _, want := range []string{"CGI_GATEWAY_TEST_INHERITED=from-parent\n", "APP_MODE=test\n", "REQUEST_METHOD=GET\n"} {
		if !strings.Contains(env, want) {
			t.Errorf("environment missing %q", want)
		}
	}
	if strings.Contains(env, "CGI_GATEWAY_TEST_HIDDEN") {
		t.Error("gateway environment leaked into the child")
	}
}

type patternReader struct {
	remaining int64
	pos       byte
}

func (p *patternReader) Read(b []byte) (int, error) {
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	for i := range b {
		b[i] = p.pos
		p.pos += 31
	}
	p.remaining -= int64(len(b))
	return len(b), nil
}

func TestGateway_StreamsLargeBody(t *testing.T) {
	requireUnix(t)
	const size = 10 << 20
	script := writeScript(t, "count", "printf 'Content-Type: text/plain\\n\\n'\nn=$(wc -c | tr -d ' ')\necho \"body_len=$n\"\n")

	g := newTestGateway(Config{Timeout: 30 * time.Second})

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	inv, err := invoke(t, g, script, "/cgi/count", &patternReader{remaining: size})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, _ := io.ReadAll(inv.Response.Body)
	outcome := inv.Finish()

	runtime.ReadMemStats(&after)

	if strings.TrimSpace(string(body)) != "body_len=10485760" {
		t.Errorf("body = %q", body)
	}
	if outcome.BytesIn != size {
		t.Errorf("BytesIn = %d, want %d", outcome.BytesIn, size)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > size/2 {
		t.Errorf("allocated %d bytes while streaming %d; body was buffered", allocated, size)
	}
}

func TestGateway_StreamsLargeResponse(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "big", "printf 'Content-Type: application/octet-stream\\n\\n'\nhead -c 4194304 /dev/zero\n")

	g := newTestGateway(Config{Timeout: 30 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/big", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	h := sha256.New()
	n, err := io.Copy(h, inv.Response.Body)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	inv.Finish()
	if n != 4194304 {
		t.Errorf("read %d bytes, want 4194304", n)
	}
}

func TestGateway_NoDescriptorLeak(t *testing.T) {
	requireUnix(t)
	if _, err := os.Stat("/proc/self/fd"); err != nil {
		t.Skip("/proc/self/fd not available")
	}
	runs := 1000
	if testing.Short() {
		runs = 50
	}

	ok := writeScript(t, "ok", "printf 'Content-Type: text/plain\\n\\nok'\n")
	bad := writeScript(t, "bad", "echo garbage\n")
	g := newTestGateway(Config{Timeout: 5 * time.Second})

	countFDs := func() int {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			t.Fatalf("read fds: %v", err)
		}
		return len(entries)
	}

	// warm up runtime descriptors (poller, pidfd support probe)
	if inv, err := invoke(t, g, ok, "/cgi/ok", nil); err == nil {
		io.Copy(io.Discard, inv.Response.Body)
		inv.Finish()
	}
	baseline := countFDs()

	for i := 0; i < runs; i++ {
		script := ok
		if i%3 == 0 {
			script = bad
		}
		inv, err := invoke(t, g, script, "/cgi/x", strings.NewReader("payload"))
		if err != nil {
			continue
		}
		io.Copy(io.Discard, inv.Response.Body)
		inv.Finish()
	}

	if got := countFDs(); got > baseline+2 {
		t.Errorf("open descriptors grew from %d to %d after %d invocations", baseline, got, runs)
	}
}

func TestGateway_FinishIsIdempotent(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, "ok", "printf 'Content-Type: text/plain\\n\\nok'\n")

	g := newTestGateway(Config{Timeout: 5 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/ok", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if inv.Outcome() != nil {
		t.Error("Outcome() before Finish should be nil")
	}
	first := inv.Finish()
	second := inv.Finish()
	if first != second {
		t.Error("Finish() returned different outcomes")
	}
	if inv.Outcome() != first {
		t.Error("Outcome() after Finish should match")
	}
}

func TestGateway_BackgroundDescendantDoesNotHoldResponse(t *testing.T) {
	requireUnix(t)
	if runtime.GOOS != "linux" {
		t.Skip("descendants are swept at leader exit only on linux")
	}
	script := writeScript(t, "bg", "sleep 30 &\nprintf 'Content-Type: text/plain\\n\\nok'\n")

	g := newTestGateway(Config{Timeout: 10 * time.Second})
	inv, err := invoke(t, g, script, "/cgi/bg", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	body, _ := io.ReadAll(inv.Response.Body)
	outcome := inv.Finish()

	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if outcome.State != domain.StateCompleted {
		t.Errorf("State = %s, want completed", outcome.State)
	}
	if outcome.Duration > 5*time.Second {
		t.Errorf("Duration = %s, the background sleep held the response", outcome.Duration)
	}
}
