package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config       *Config
	serverConfig *ServerConfig
	logOutput    io.Writer
}

// WithConfig sets the node configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithServerConfig sets the whiteboard server configuration.
func WithServerConfig(cfg *ServerConfig) Option {
	return func(a *application) {
		a.serverConfig = cfg
	}
}

// WithLogOutput redirects the JSON log stream. The MCP command logs to stderr
// since stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}
