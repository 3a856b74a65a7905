// Package runtime provides the core Gateway struct and lifecycle management
// for the CGI gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/api/controlplane"
	cgigw "github.com/tjfontaine/polyglot-cgi-gateway/internal/cgi"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	frontdoor "github.com/tjfontaine/polyglot-cgi-gateway/internal/frontdoor/cgi"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
	routerpkg "github.com/tjfontaine/polyglot-cgi-gateway/internal/router"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/server"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/storage/memory"
)

const (
	adminTimeout      = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// Gateway is the main entry point for running the CGI gateway.
// It manages configuration, storage, the CGI front door, and HTTP server
// lifecycle. Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	auth    ports.AuthProvider
	storage ports.StorageProvider
	events  ports.EventPublisher
	policy  ports.ExitPolicy

	// Internal state
	storageName string
	frontdoor   atomic.Pointer[frontdoor.Handler]
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	logger      *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Gateway with the given options.
// Storage, events and auth not supplied as options are built from config
// when the gateway starts.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}

	return gw, nil
}

// Start loads configuration, builds the handler chain and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	// Load initial config
	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.initStorage(cfg); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	if err := g.initFrontdoor(cfg); err != nil {
		return fmt.Errorf("init frontdoor: %w", err)
	}

	g.handler, err = g.routes(cfg)
	if err != nil {
		return fmt.Errorf("init routes: %w", err)
	}

	// Start HTTP server
	if err := g.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Watch for config changes
	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.Int("locations", len(cfg.CGI.Locations)),
		slog.String("storage", g.storageName),
		slog.Bool("admin", cfg.Admin.Enabled))

	return nil
}

// Handler returns the root HTTP handler. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// Addr returns the address the server listens on. It is empty before Start.
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	// Stop HTTP server
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	// Close resources
	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return nil
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in a front door built from cfg. Requests already running
// finish on the handler they started with. Storage, listen port and the
// admin mount are fixed at start.
func (g *Gateway) reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.initFrontdoor(cfg); err != nil {
		return fmt.Errorf("reinit frontdoor: %w", err)
	}

	// Update auth provider with reloaded keys if it supports reload
	if reloader, ok := g.auth.(interface{ ReloadFromConfig(*config.Config) }); ok {
		reloader.ReloadFromConfig(cfg)
	}

	g.logger.Info("reload complete",
		slog.Int("locations", len(cfg.CGI.Locations)),
		slog.String("exit_policy", cfg.CGI.ExitPolicy))

	return nil
}

// initStorage opens the invocation log named by cfg unless one was
// injected, and defaults the event publisher to direct storage writes.
func (g *Gateway) initStorage(cfg *config.Config) error {
	if g.storage == nil {
		switch cfg.Storage.Type {
		case "sqlite":
			store, err := sqlite.NewProvider(cfg.Storage.SQLite.Path)
			if err != nil {
				return fmt.Errorf("open sqlite %s: %w", cfg.Storage.SQLite.Path, err)
			}
			g.storage = store
			g.storageName = "sqlite"
		case "memory":
			g.storage = memory.New()
			g.storageName = "memory"
		default:
			g.logger.Info("invocation log disabled")
			g.storageName = "none"
		}
	} else if g.storageName == "" {
		g.storageName = "custom"
	}

	if g.events == nil && g.storage != nil {
		g.logger.Debug("no event publisher specified, using direct storage")
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create default event publisher: %w", err)
		}
		g.events = publisher
	}
	return nil
}

// initFrontdoor builds the CGI handler for cfg and publishes it.
func (g *Gateway) initFrontdoor(cfg *config.Config) error {
	g.logger.Debug("initializing cgi frontdoor", slog.Int("locations", len(cfg.CGI.Locations)))

	rt, err := routerpkg.New(cfg.CGI.Locations)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	timeout, err := cfg.CGI.TimeoutDuration()
	if err != nil {
		return err
	}
	maxAge, err := cfg.Session.MaxAgeDuration()
	if err != nil {
		return err
	}

	policy := g.policy
	if policy == nil {
		p, err := basic.NewPolicy(cfg.CGI.ExitPolicy)
		if err != nil {
			return fmt.Errorf("create exit policy: %w", err)
		}
		policy = p
	}

	gw := cgigw.New(cgigw.Config{
		Timeout:        timeout,
		MaxHeaderBytes: cfg.CGI.MaxHeaderBytes,
		MaxStderrBytes: cfg.CGI.MaxStderrBytes,
		InheritEnv:     cfg.CGI.InheritEnv,
		Env:            cfg.CGI.Env,
	}, g.logger)

	var port string
	if cfg.Server.Port > 0 {
		port = strconv.Itoa(cfg.Server.Port)
	}

	h := frontdoor.NewHandler(frontdoor.Options{
		Router:  rt,
		Gateway: gw,
		Policy:  policy,
		Store:   g.storage,
		Events:  g.events,
		Server: cgigw.ServerInfo{
			Name:     cfg.Server.Name,
			Port:     port,
			Software: cfg.Server.Software,
		},
		Session: frontdoor.SessionOptions{
			Enabled:    cfg.Session.Enabled,
			CookieName: cfg.Session.CookieName,
			MaxAge:     maxAge,
		},
		MaxRedirects: cfg.CGI.MaxRedirects,
		Logger:       g.logger,
	})
	g.frontdoor.Store(h)

	for _, loc := range rt.Locations() {
		g.logger.Info("registered location",
			slog.String("prefix", loc.Prefix),
			slog.String("root", loc.Root))
	}
	return nil
}

// routes assembles the root handler: the control plane under /admin when
// enabled, and the CGI front door for everything else.
func (g *Gateway) routes(cfg *config.Config) (http.Handler, error) {
	r := server.NewRouter(g.logger)

	if cfg.Admin.Enabled {
		if g.auth == nil {
			provider, err := apikey.NewProvider(cfg)
			if err != nil {
				return nil, fmt.Errorf("create apikey auth provider: %w", err)
			}
			g.auth = provider
			if len(cfg.Admin.APIKeys) == 0 {
				g.logger.Warn("control plane enabled without api keys, all admin requests will be rejected")
			}
		}

		cp := controlplane.NewServer(g.storage, controlplane.WithStorageName(g.storageName))
		r.Route("/admin", func(r chi.Router) {
			r.Use(server.AuthMiddleware(g.auth))
			r.Use(server.TimeoutMiddleware(adminTimeout))
			r.Mount("/", cp)
		})
		g.logger.Info("registered control plane", slog.String("path", "/admin"))
	}

	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.frontdoor.Load().ServeHTTP(w, r)
	}))

	return r, nil
}

// startServer listens synchronously so a bad port fails Start, then serves
// in the background.
func (g *Gateway) startServer(cfg *config.Config) error {
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	g.logger.Debug("starting HTTP server", slog.String("addr", addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.listener = ln

	// Bodies and script output stream under cgi.timeout, so there is no
	// read or write timeout here.
	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}

	go func() {
		g.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}
