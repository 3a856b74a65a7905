package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/api/controlplane"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

const testAdminKey = "test-admin-key"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Software: "polyglot-cgi-gateway/test"},
		CGI: config.CGIConfig{
			Timeout:      "5s",
			ExitPolicy:   "lenient",
			MaxRedirects: 3,
			InheritEnv:   []string{"PATH"},
			Locations: []config.LocationConfig{
				{Prefix: "/cgi", Root: root, AllowExecutables: true},
			},
		},
		Storage: config.StorageConfig{Type: "memory"},
		Admin: config.AdminConfig{
			Enabled: true,
			APIKeys: []config.APIKeyConfig{
				{KeyHash: apikey.HashAPIKey(testAdminKey), Description: "test"},
			},
		},
	}
}

func startGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return gw
}

func serve(gw *Gateway, method, target, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGateway_New_RequiredOptions(t *testing.T) {
	// Should fail without config provider
	_, err := New()
	if err == nil {
		t.Fatal("Expected error without config provider")
	}
	if err.Error() != "config provider required (use WithFileConfig or WithConfig)" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestGateway_New_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"nil config", WithConfig(nil)},
		{"invalid config", WithConfig(&config.Config{CGI: config.CGIConfig{ExitPolicy: "sometimes"}})},
		{"unknown exit policy", WithExitPolicy("paranoid")},
		{"events before storage", WithDirectEvents()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(WithConfig(testConfig(t.TempDir())), tt.opt); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestGateway_ServesScripts(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "hello.sh", "printf 'Content-Type: text/plain\\r\\n\\r\\nhello %s' \"$REQUEST_METHOD\"\n")

	gw := startGateway(t, WithConfig(testConfig(root)))

	resp, err := http.Get("http://" + gw.Addr() + "/cgi/hello.sh")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "hello GET" {
		t.Errorf("body = %q, want %q", body, "hello GET")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID from the middleware chain")
	}

	if rec := serve(gw, http.MethodGet, "/cgi/missing.sh", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing script status = %d, want 404", rec.Code)
	}
}

func TestGateway_ControlPlane(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "ok.sh", "printf 'Content-Type: text/plain\\r\\n\\r\\nok'\n")

	gw := startGateway(t, WithConfig(testConfig(root)))

	if rec := serve(gw, http.MethodGet, "/cgi/ok.sh", ""); rec.Code != http.StatusOK {
		t.Fatalf("script status = %d", rec.Code)
	}

	tests := []struct {
		name   string
		target string
		key    string
		want   int
	}{
		{"no key", "/admin/invocations", "", http.StatusUnauthorized},
		{"wrong key", "/admin/invocations", "nope", http.StatusUnauthorized},
		{"health", "/admin/health", testAdminKey, http.StatusOK},
		{"list", "/admin/invocations", testAdminKey, http.StatusOK},
		{"missing invocation", "/admin/invocations/none", testAdminKey, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(gw, http.MethodGet, tt.target, tt.key); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := serve(gw, http.MethodGet, "/admin/invocations", testAdminKey)
	var list controlplane.InvocationListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Invocations) != 1 || list.Invocations[0].Path != "/cgi/ok.sh" {
		t.Fatalf("invocations = %+v", list.Invocations)
	}

	rec = serve(gw, http.MethodGet, "/admin/invocations/"+list.Invocations[0].ID+"/events", testAdminKey)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "invocation.completed") {
		t.Errorf("events = %d %s", rec.Code, rec.Body.String())
	}
}

func TestGateway_AdminDisabled(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Admin.Enabled = false
	gw := startGateway(t, WithConfig(cfg))

	// /admin falls through to the CGI front door, which has no location for it
	if rec := serve(gw, http.MethodGet, "/admin/health", testAdminKey); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGateway_Reload(t *testing.T) {
	oldRoot, newRoot := t.TempDir(), t.TempDir()
	writeScript(t, oldRoot, "a.sh", "printf 'Content-Type: text/plain\\r\\n\\r\\nold'\n")
	writeScript(t, newRoot, "a.sh", "printf 'Content-Type: text/plain\\r\\n\\r\\nnew'\n")

	gw := startGateway(t, WithConfig(testConfig(oldRoot)))

	if rec := serve(gw, http.MethodGet, "/cgi/a.sh", ""); rec.Body.String() != "old" {
		t.Fatalf("before reload body = %q", rec.Body.String())
	}

	next := testConfig(newRoot)
	next.CGI.Locations[0].Prefix = "/scripts"
	next.Admin.APIKeys = []config.APIKeyConfig{{KeyHash: apikey.HashAPIKey("rotated"), Description: "rotated"}}
	if err := gw.reload(next); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if rec := serve(gw, http.MethodGet, "/scripts/a.sh", ""); rec.Code != http.StatusOK || rec.Body.String() != "new" {
		t.Errorf("after reload = %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(gw, http.MethodGet, "/cgi/a.sh", ""); rec.Code != http.StatusNotFound {
		t.Errorf("old prefix status = %d, want 404", rec.Code)
	}
	if rec := serve(gw, http.MethodGet, "/admin/health", testAdminKey); rec.Code != http.StatusUnauthorized {
		t.Errorf("old key status = %d, want 401", rec.Code)
	}
	if rec := serve(gw, http.MethodGet, "/admin/health", "rotated"); rec.Code != http.StatusOK {
		t.Errorf("rotated key status = %d, want 200", rec.Code)
	}
}

func TestGateway_ReloadRejectsBadConfig(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "a.sh", "printf 'Content-Type: text/plain\\r\\n\\r\\nstill here'\n")
	gw := startGateway(t, WithConfig(testConfig(root)))

	bad := testConfig(root)
	bad.CGI.ExitPolicy = "sometimes"
	if err := gw.reload(bad); err == nil {
		t.Fatal("reload() error = nil, want exit policy error")
	}
	if rec := serve(gw, http.MethodGet, "/cgi/a.sh", ""); rec.Body.String() != "still here" {
		t.Errorf("body = %q, previous handler should stay in place", rec.Body.String())
	}
}

func TestGateway_FileConfigWithSQLite(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cgi")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, root, "a.sh", "printf 'Status: 201 Created\\r\\nContent-Type: text/plain\\r\\n\\r\\n'\n")

	dbPath := filepath.Join(tmpDir, "audit.db")
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
server:
  port: 0
cgi:
  locations:
    - prefix: /cgi
      root: ` + root + `
      allow_executables: true
storage:
  type: sqlite
  sqlite:
    path: ` + dbPath + `
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	gw := startGateway(t, WithFileConfig(configPath))

	if rec := serve(gw, http.MethodPost, "/cgi/a.sh", ""); rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if gw.storageName != "sqlite" {
		t.Errorf("storage = %q, want sqlite", gw.storageName)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("audit database not created: %v", err)
	}
}

func TestGateway_MultipleStartCalls(t *testing.T) {
	gw := startGateway(t, WithConfig(testConfig(t.TempDir())))

	if err := gw.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}
}
