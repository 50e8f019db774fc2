package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/go-appsec/relaybox/parley/config"
	"github.com/go-appsec/relaybox/parley/service/connlog"
	"github.com/go-appsec/relaybox/parley/service/plugin"
	"github.com/go-appsec/relaybox/parley/service/relay"
	"github.com/go-appsec/relaybox/parley/service/store"
)

const stateFileName = "state.msgpack"

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// Server runs the relay, its plugin registry and the MCP control surface.
type Server struct {
	flags      ServeFlags
	cfg        *config.Config
	configPath string
	log        *zap.SugaredLogger

	state    store.Storage
	registry *plugin.Registry
	connLogs *connlog.Logger
	listener *relay.Listener
	certs    *relay.CertManager

	mcpServer *mcpServer
	started   chan struct{}
	startedAt time.Time

	hooks      []shutdownHook
	shutdownCh chan struct{}
}

// NewServer creates a server. A nil logger builds one from flags.Debug.
func NewServer(flags ServeFlags, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		var err error
		if logger, err = NewLogger(flags.Debug); err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}
	return &Server{
		flags:      flags,
		log:        logger.Sugar(),
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}, nil
}

// NewLogger builds the production logger, or a development logger when debug is set.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	return cfg.Build()
}

// WaitTillStarted blocks until Run has started every component or failed.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// Run starts all components and blocks until ctx ends, a signal arrives or
// RequestShutdown is called.
func (s *Server) Run(ctx context.Context) error {
	s.log.Infow("parley starting", "version", config.Version, "rev", config.RevNum)

	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	if err := s.loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.startedAt = time.Now()
	if err := s.start(); err != nil {
		_ = s.shutdown()
		return err
	}

	markStarted()
	s.printStartup()

	select {
	case <-ctx.Done():
		s.log.Infow("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		s.log.Infow("received signal, initiating shutdown", "signal", sig.String())
	case <-s.shutdownCh:
		s.log.Infow("shutdown requested")
	}

	return s.shutdown()
}

// start brings components up in dependency order, registering a shutdown
// hook for each one as soon as it exists.
func (s *Server) start() error {
	configDir := filepath.Dir(s.configPath)

	state, err := store.NewFileStorage(filepath.Join(configDir, stateFileName))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	s.state = state
	s.onShutdown("state", func(context.Context) error { return state.Close() })

	s.registry = plugin.NewRegistry(map[plugin.Direction]string{
		plugin.ClientToServer: filepath.Join(s.cfg.PluginDir, "client"),
		plugin.ServerToClient: filepath.Join(s.cfg.PluginDir, "server"),
	}, plugin.WithLogger(s.log.Named("plugin")), plugin.WithStateStore(state))
	if err := s.registry.Reload(); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	connLogs, err := connlog.New(s.cfg.LogDir,
		connlog.WithArchive(s.cfg.ArchiveLogs),
		connlog.WithLogger(s.log.Named("connlog")))
	if err != nil {
		return err
	}
	s.connLogs = connLogs
	s.onShutdown("connection logs", func(context.Context) error { return connLogs.Close() })

	relayCfg, err := s.relayConfig(configDir)
	if err != nil {
		return err
	}
	listener, err := relay.NewListener(relayCfg, s.registry, connLogs, s.log.Named("relay"))
	if err != nil {
		return err
	}
	s.listener = listener
	serveDone := make(chan struct{})
	s.onShutdown("relay", func(ctx context.Context) error {
		err := listener.Shutdown(ctx)
		<-serveDone
		return err
	})
	go func() {
		defer close(serveDone)
		if err := listener.Serve(); err != nil {
			s.log.Errorw("relay: serve failed", "error", err)
		}
	}()

	s.mcpServer = newMCPServer(s)
	if err := s.mcpServer.Start(s.cfg.MCPPort); err != nil {
		return fmt.Errorf("failed to start MCP server: %w", err)
	}
	s.onShutdown("mcp", s.mcpServer.Close)
	return nil
}

func (s *Server) relayConfig(configDir string) (relay.Config, error) {
	rc := relay.Config{
		ListenAddr:     s.cfg.Listen.Address(),
		UpstreamAddr:   s.cfg.Upstream.Address(),
		BufferSize:     s.cfg.BufferSize,
		MaxConnections: s.cfg.MaxConnections,
		PollInterval:   s.cfg.PollInterval.Std(),
		Dialer: &relay.Dialer{
			Timeout:    s.cfg.DialTimeout.Std(),
			SocksProxy: s.cfg.SocksProxy,
		},
	}
	if s.cfg.UpstreamTLS.Enabled {
		rc.Dialer.TLS = relay.UpstreamTLS(s.cfg.UpstreamTLS.ServerName, s.cfg.UpstreamTLS.InsecureSkipVerify)
	}

	if s.cfg.ClientTLS.Enabled {
		if s.cfg.ClientTLS.CertFile != "" {
			tlsCfg, err := relay.LoadServerTLS(s.cfg.ClientTLS.CertFile, s.cfg.ClientTLS.KeyFile)
			if err != nil {
				return rc, err
			}
			rc.ClientTLS = tlsCfg
		} else {
			certs, err := relay.NewCertManager(configDir, s.log.Named("relay"))
			if err != nil {
				return rc, fmt.Errorf("create cert manager: %w", err)
			}
			s.certs = certs
			rc.ClientTLS = certs.TLSConfig(s.cfg.Upstream.Host)
		}
	}
	return rc, nil
}

func (s *Server) onShutdown(name string, fn func(ctx context.Context) error) {
	s.hooks = append(s.hooks, shutdownHook{name: name, fn: fn})
}

// shutdown runs every hook in reverse start order. A failing hook is
// reported and does not stop the remaining ones.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	var errs []error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		if err := h.fn(ctx); err != nil {
			s.log.Warnw("shutdown: component close failed", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
		}
	}
	s.hooks = nil

	s.log.Infow("parley stopped")
	_ = s.log.Sync()
	return errors.Join(errs...)
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout.Std()
	}
	return config.DefaultShutdownTimeout
}

// MCPURL returns the control surface endpoint once started.
func (s *Server) MCPURL() string {
	if s.mcpServer == nil {
		return ""
	}
	return "http://" + s.mcpServer.Addr() + "/mcp"
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}

// loadConfig loads the config file and applies flag overrides.
// Precedence: CLI flags > config file > defaults
func (s *Server) loadConfig() error {
	s.configPath = s.flags.ConfigPath
	if s.configPath == "" {
		s.configPath = config.DefaultPath()
	}

	cfg, err := config.LoadOrCreatePath(s.configPath)
	if err != nil {
		return err
	}
	s.flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.cfg = cfg
	return nil
}

// printStartup outputs connection instructions to stderr.
func (s *Server) printStartup() {
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintf(os.Stderr, "Relay:        %s -> %s\n", s.listener.Addr(), s.listener.Upstream())
	if s.certs != nil {
		_, _ = fmt.Fprintf(os.Stderr, "CA:           %s\n", filepath.Join(filepath.Dir(s.configPath), "ca.pem"))
	}
	_, _ = fmt.Fprintf(os.Stderr, "Plugins:      %s\n", s.cfg.PluginDir)
	_, _ = fmt.Fprintf(os.Stderr, "Logs:         %s\n", s.cfg.LogDir)
	_, _ = fmt.Fprintf(os.Stderr, "MCP Endpoint: %s\n", s.MCPURL())
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintln(os.Stderr, "")
}
