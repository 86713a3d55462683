package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/client"
	"github.com/Bigsy/mcpd/internal/config"
	"github.com/Bigsy/mcpd/internal/logging"
	"github.com/Bigsy/mcpd/internal/mcp"
	"github.com/Bigsy/mcpd/internal/oauth"
	"github.com/Bigsy/mcpd/internal/protocol"
	"github.com/Bigsy/mcpd/internal/server"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as an MCP server aggregating the configured upstreams",
	Long: `Run mcpd as a stdio MCP server that aggregates tools from the
configured upstream servers.

This mode is intended to be spawned by an MCP client. Configure it as:

  {
    "mcpd": {
      "command": "mcpd",
      "args": ["serve"]
    }
  }

Tool and prompt names are prefixed with the server name (e.g.
filesystem.read_file). The config file is watched; edits apply without a
restart.`,
	RunE: runServe,
}

func init() {
	// --stdio is accepted for compatibility with clients that pass it.
	serveCmd.Flags().Bool("stdio", false, "Use stdio transport (default, always enabled)")
	_ = serveCmd.Flags().MarkHidden("stdio")

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpd/config.json)")
	serveCmd.Flags().StringVarP(&serveLogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Stdout carries the protocol; everything else goes to stderr.
	log, err := logging.New(logging.Config{Level: serveLogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(log) }()

	log.Info("mcpd serve starting", zap.String("version", version))

	configPath, err := resolveConfigPath(serveConfigPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Info("loaded config", zap.Int("servers", len(cfg.Servers)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg, err := newAggregator(configPath, log)
	if err != nil {
		return err
	}
	agg.apply(ctx, cfg)
	defer agg.pool.DisconnectAll(context.Background())

	gateway := server.NewGateway(server.GatewayOptions{
		Client:     agg.pool,
		ServerInfo: protocol.Implementation{Name: "mcpd", Version: version},
		Logger:     log.Named("gateway"),
	})

	control := make(chan func(), 1)
	stdio := server.NewStdioServer(server.StdioOptions{
		Handler: gateway,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Logger:  log.Named("stdio"),
		Control: control,
	})

	// Reloads run on the serve goroutine between messages.
	go func() {
		err := config.Watch(ctx, configPath, log.Named("watch"), func(newCfg *config.Config) {
			select {
			case control <- func() { agg.apply(ctx, newCfg) }:
			default:
				log.Warn("config reload already pending, skipping")
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	if err := stdio.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("mcpd serve exiting")
	return nil
}

// resolveConfigPath expands ~ in a user-provided path, falling back to
// the default location.
func resolveConfigPath(path string) (string, error) {
	if path == "" {
		return config.ConfigPath()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// aggregator owns the connector pool and reconciles it against config
// snapshots. apply is serialized through the stdio control channel.
type aggregator struct {
	pool   *client.Client
	log    *zap.Logger
	tokens *oauth.TokenManager
	pids   *mcp.PIDTracker
	cache  *toolCachePersister

	// current maps server name to its config fingerprint, so reloads can
	// tell a changed server from an untouched one.
	current map[string]uint64
}

func newAggregator(configPath string, log *zap.Logger) (*aggregator, error) {
	pidPath, err := mcp.DefaultPIDPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pid file: %w", err)
	}
	pids := mcp.NewPIDTracker(pidPath, log.Named("pids"))
	pids.CleanupOrphans()

	store, err := oauth.NewCredentialStore(oauth.StoreModeAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	tokens := oauth.NewTokenManager(store)
	tokens.SetLogger(log.Named("oauth"))

	cache, err := newToolCachePersister(configPath, log.Named("toolcache"))
	if err != nil {
		// A broken cache only costs warm starts.
		log.Warn("tool cache unavailable", zap.Error(err))
	}

	a := &aggregator{
		log:     log,
		tokens:  tokens,
		pids:    pids,
		cache:   cache,
		current: make(map[string]uint64),
	}
	opts := client.Options{
		ClientInfo: protocol.Implementation{Name: "mcpd", Version: version},
		Logger:     log.Named("client"),
	}
	if cache != nil {
		opts.ToolCache = cache
	}
	a.pool = client.New(opts)
	return a, nil
}

// apply reconciles the pool against a config snapshot: removed or changed
// servers are torn down, new or changed ones are added and connected.
func (a *aggregator) apply(ctx context.Context, cfg *config.Config) {
	desired := make(map[string]config.ServerConfig)
	for _, srv := range cfg.ServerList() {
		if srv.IsEnabled() {
			desired[srv.Name] = srv
		}
	}

	for name := range a.current {
		srv, keep := desired[name]
		if keep && config.Fingerprint(srv) == a.current[name] {
			continue
		}
		if err := a.pool.RemoveServer(ctx, name); err != nil {
			a.log.Warn("failed to remove server", zap.String("server", name), zap.Error(err))
		}
		delete(a.current, name)
	}

	for name, srv := range desired {
		if _, ok := a.current[name]; ok {
			continue
		}
		fp := config.Fingerprint(srv)
		if a.cache != nil {
			a.cache.track(name, srv.ID, fp)
		}
		if err := a.pool.AddServer(name, a.factory(srv)); err != nil {
			a.log.Error("failed to add server", zap.String("server", name), zap.Error(err))
			continue
		}
		a.current[name] = fp
	}

	a.pool.ConnectAll(ctx)
}

func (a *aggregator) factory(srv config.ServerConfig) mcp.TransportFactory {
	if srv.Kind == config.ServerKindHTTP {
		cfg := mcp.StreamableHTTPConfig{
			URL:         srv.URL,
			HTTPHeaders: srv.Headers,
			Logger:      a.log.Named(srv.Name),
		}
		if srv.OAuthEnabled {
			url := srv.URL
			cfg.BearerTokenProvider = func(ctx context.Context) (string, error) {
				return a.tokens.GetAccessToken(ctx, url)
			}
		}
		return func() mcp.Transport { return mcp.NewStreamableHTTPTransport(cfg) }
	}

	cfg := mcp.StdioConfig{
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
		Cwd:     srv.Cwd,
		Logger:  a.log.Named(srv.Name),
		PIDs:    a.pids,
		PIDKey:  srv.ID,
	}
	return func() mcp.Transport { return mcp.NewStdioTransport(cfg) }
}

// toolCachePersister adapts the fingerprinted on-disk tool cache to the
// client's by-name persister interface.
type toolCachePersister struct {
	cache *config.ToolCache
	log   *zap.Logger

	mu   sync.Mutex
	keys map[string]cacheKey
}

type cacheKey struct {
	id string
	fp uint64
}

func newToolCachePersister(configPath string, log *zap.Logger) (*toolCachePersister, error) {
	cache, err := config.NewToolCache(configPath)
	if err != nil {
		return nil, err
	}
	return &toolCachePersister{cache: cache, log: log, keys: make(map[string]cacheKey)}, nil
}

func (p *toolCachePersister) track(name, id string, fp uint64) {
	p.mu.Lock()
	p.keys[name] = cacheKey{id: id, fp: fp}
	p.mu.Unlock()
}

func (p *toolCachePersister) Load(serverName string) ([]protocol.Tool, bool) {
	p.mu.Lock()
	key, ok := p.keys[serverName]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.cache.Get(key.id, key.fp)
}

func (p *toolCachePersister) Store(serverName string, tools []protocol.Tool) {
	p.mu.Lock()
	key, ok := p.keys[serverName]
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.cache.Update(key.id, key.fp, tools); err != nil {
		p.log.Warn("tool cache write failed", zap.String("server", serverName), zap.Error(err))
	}
}
