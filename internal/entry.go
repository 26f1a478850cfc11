// Package internal provides the node, whiteboard and MCP entry points.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/racecomms/internal/addrbook"
	"github.com/starford/racecomms/internal/api"
	"github.com/starford/racecomms/internal/mcpserver"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/plugin"
	"github.com/starford/racecomms/internal/profile"
	"github.com/starford/racecomms/internal/sdk"
	"github.com/starford/racecomms/internal/sse"
	"github.com/starford/racecomms/internal/storage"
	"github.com/starford/racecomms/internal/whiteboard"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option) *application {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

func newLogger(level slog.Level, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// node is an SDK host with the channel manager attached.
type node struct {
	host   *sdk.Host
	mgr    *plugin.Plugin
	logger *slog.Logger
}

func startNode(cfg *Config, logger *slog.Logger, events sdk.Publisher) (*node, error) {
	store, err := storage.NewFS(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	inputs := make(map[string]string, len(cfg.Node.UserInput)+2)
	for k, v := range cfg.Node.UserInput {
		inputs[k] = v
	}
	if _, ok := inputs["startPort"]; !ok {
		inputs["startPort"] = strconv.Itoa(cfg.Direct.StartPort)
	}
	if _, ok := inputs["hostname"]; !ok && cfg.Direct.Hostname != "" {
		inputs["hostname"] = cfg.Direct.Hostname
	}

	hostOpts := []sdk.HostOption{
		sdk.WithPersona(cfg.Node.Persona),
		sdk.WithStore(store),
		sdk.WithChannels(plugin.DefaultChannels()),
		sdk.WithUserInput(inputs),
		sdk.WithLogger(logger),
	}
	if events != nil {
		hostOpts = append(hostOpts, sdk.WithPublisher(events))
	}
	host := sdk.NewHost(hostOpts...)

	mgr := plugin.New(host,
		plugin.WithLogger(logger),
		plugin.WithSettings(cfg.PluginSettings()),
	)
	host.Attach(mgr)
	if resp := mgr.Init(plugin.Config{AuxDataDirectory: store.Root()}); resp != models.PluginOK {
		return nil, fmt.Errorf("init channel manager: %s", resp)
	}

	n := &node{host: host, mgr: mgr, logger: logger}
	for _, gid := range cfg.Node.Activate {
		if resp := mgr.ActivateChannel(host.NextHandle(), gid, "default"); resp != models.PluginOK {
			logger.Warn("channel activation failed", slog.String("channel_gid", gid), slog.String("response", resp.String()))
		}
	}
	return n, nil
}

// loadAddress rejects addresses that no retry could load and reports the rest
// of the manager's refusals as retryable.
func (n *node) loadAddress(e addrbook.Entry) error {
	if _, known := n.mgr.Channels()[e.ChannelGID]; !known {
		return fmt.Errorf("%w: unknown channel %q", addrbook.ErrRejected, e.ChannelGID)
	}
	if _, err := profile.ForChannel(e.Profile(), e.ChannelGID == plugin.DirectChannelGID); err != nil {
		return fmt.Errorf("%w: %w", addrbook.ErrRejected, err)
	}
	if resp := n.mgr.LoadLinkAddress(n.host.NextHandle(), e.ChannelGID, e.Profile()); resp != models.PluginOK {
		return fmt.Errorf("load link address: %s", resp)
	}
	return nil
}

func (n *node) watchAddresses(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	return addrbook.Watch(ctx, dir, n.loadAddress, n.logger)
}

func (n *node) stop() {
	n.mgr.Shutdown()
	n.host.Close()
}

func mountHealth(r chi.Router) {
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
	r.Get("/health/live", ok)
	r.Get("/health/ready", ok)
}

func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	mountHealth(r)
	return r
}

// serve runs srv in g and shuts it down on a signal or when gCtx ends.
func serve(g *errgroup.Group, gCtx context.Context, srv *http.Server, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Stop sibling goroutines such as the address watcher.
		return errShutdown
	})
}

var errShutdown = errors.New("shutdown")

func wait(g *errgroup.Group, logger *slog.Logger) error {
	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Stopped successfully")
	return nil
}

// Run starts a comms node: the SDK host and channel manager behind the
// control API, the event stream and the address drop watcher.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := newLogger(cfg.App.LogLevel, app.logOutput)
	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("persona", cfg.Node.Persona),
		slog.String("data_dir", cfg.Node.DataDir),
		slog.String("address_dir", cfg.Node.AddressDir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := sse.NewBroker(time.Second)
	defer broker.Close()

	n, err := startNode(cfg, logger, broker)
	if err != nil {
		return err
	}
	defer n.stop()

	r := newRouter()
	r.Mount("/api", api.NewRouter(n.mgr, n.host, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.watchAddresses(gCtx, cfg.Node.AddressDir)
	})
	serve(g, gCtx, httpServer, logger)
	return wait(g, logger)
}

// RunWhiteboard starts the whiteboard dead-drop server.
func RunWhiteboard(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.serverConfig == nil {
		return fmt.Errorf("server config is required")
	}
	cfg := app.serverConfig

	logger := newLogger(cfg.App.LogLevel, app.logOutput)
	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("backend", cfg.Backend.Backend),
		slog.Int64("resize_threshold", cfg.Backend.ResizeThreshold))

	store, err := openStore(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	defer store.Close()

	wb := whiteboard.NewServer(store,
		whiteboard.WithLogger(logger),
		whiteboard.WithResizeThreshold(cfg.Backend.ResizeThreshold),
	)
	r := newRouter()
	r.Mount("/", wb.Routes())

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)
	serve(g, gCtx, httpServer, logger)
	return wait(g, logger)
}

func openStore(ctx context.Context, cfg BackendConfig) (whiteboard.Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		s, err := whiteboard.OpenRedis(ctx, whiteboard.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return s, nil
	default:
		s, err := whiteboard.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	}
}

// RunMCP starts a comms node driven over MCP on stdin/stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := newLogger(cfg.App.LogLevel, app.logOutput)
	n, err := startNode(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer n.stop()

	srv := mcpserver.New(n.mgr, n.host)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.watchAddresses(gCtx, cfg.Node.AddressDir)
	})
	g.Go(func() error {
		logger.Info("MCP server listening on stdio")
		if err := srv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return errShutdown
	})
	return wait(g, logger)
}
