package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/storage/memory"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig serves a fixed configuration. Nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config required")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithSQLite records invocations in a SQLite database at path, overriding
// storage.type.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.storage = store
		g.storageName = "sqlite"
		return nil
	}
}

// WithMemoryStorage keeps the invocation log in memory.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		g.storage = memory.New()
		g.storageName = "memory"
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithDirectEvents writes events directly to storage (default).
// No separate event bus, events are written synchronously to storage.
func WithDirectEvents() Option {
	return func(g *Gateway) error {
		if g.storage == nil {
			return fmt.Errorf("storage provider must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		g.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithAuthProvider sets a custom auth provider for the control plane.
// Without one, admin.api_keys are checked.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(g *Gateway) error {
		g.auth = provider
		return nil
	}
}

// WithExitPolicy fixes the exit policy by name, overriding cgi.exit_policy.
func WithExitPolicy(name string) Option {
	return func(g *Gateway) error {
		policy, err := basic.NewPolicy(name)
		if err != nil {
			return err
		}
		g.policy = policy
		return nil
	}
}

// WithPolicy sets a custom exit policy.
func WithPolicy(policy ports.ExitPolicy) Option {
	return func(g *Gateway) error {
		g.policy = policy
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Load(ctx context.Context) (*config.Config, error) {
	return s.cfg, nil
}

func (s staticConfig) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}

func (s staticConfig) Close() error {
	return nil
}
