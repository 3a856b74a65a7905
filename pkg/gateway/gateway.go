// Package gateway provides the public API for embedding the CGI gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/runtime"
)

// Gateway is the main entry point for running the CGI gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the gateway configuration, as read from config.yaml.
type Config = config.Config

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/invocations.db"),
//	)
var New = runtime.New

// LoadConfig reads a config file and POLY_ environment overrides.
var LoadConfig = config.LoadFile

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithMemoryStorage = runtime.WithMemoryStorage

	// Events
	WithDirectEvents = runtime.WithDirectEvents

	// Exit policy
	WithExitPolicy = runtime.WithExitPolicy

	// Advanced options
	WithLogger          = runtime.WithLogger
	WithConfigProvider  = runtime.WithConfigProvider
	WithAuthProvider    = runtime.WithAuthProvider
	WithStorageProvider = runtime.WithStorageProvider
	WithEventPublisher  = runtime.WithEventPublisher
	WithPolicy          = runtime.WithPolicy
)
