package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider(""); err == nil {
		t.Error("NewProvider(\"\") expected error")
	}
}

func TestProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if p.Current() != cfg {
		t.Error("Current() does not return the loaded config")
	}
}

func TestProvider_LoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("cgi:\n  exit_policy: nope\n"), 0o644)

	p, _ := NewProvider(path)
	if _, err := p.Load(context.Background()); err == nil {
		t.Error("Load() expected validation error")
	}
}

func TestProvider_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, _ := NewProvider(path)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(cfg *config.Config) { changed <- cfg }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Server.Port == 9001 {
				return
			}
		case <-deadline:
			t.Fatal("onChange not called after config write")
		}
	}
}
