// Package daemon composes the engine and its collaborators into a running
// process via fx.
package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"convo/internal/archive"
	"convo/internal/bus"
	"convo/internal/config"
	"convo/internal/conn"
	"convo/internal/engine"
	"convo/internal/identity"
	"convo/internal/lock"
	"convo/internal/logging"
	"convo/internal/outbox"
	"convo/internal/readstate"
	"convo/internal/registry"
	"convo/internal/rest"
	"convo/internal/session"
	"convo/internal/thread"
	"convo/internal/transport"
	"convo/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideTokens,
			provideRESTClient,
			provideIdentity,
			provideManager,
			provideSocket,
			provideArchive,
			provideRegistry,
			provideThread,
			providePipeline,
			provideReadState,
			provideTyping,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server base_url not set in %s", session.ConfigPath())
	}
	logger.Info("config loaded", zap.String("base_url", cfg.Server.BaseURL))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideTokens(cfg *config.Config) (identity.TokenSource, error) {
	token := os.Getenv("CONVO_TOKEN")
	if token == "" {
		token = cfg.Server.Token
	}
	if token == "" {
		return nil, fmt.Errorf("no auth token: set CONVO_TOKEN or server.token in config")
	}
	return identity.NewStaticTokenSource(token), nil
}

func provideRESTClient(cfg *config.Config, tokens identity.TokenSource, logger *zap.Logger) (*rest.Client, error) {
	return rest.NewClient(cfg.Server.BaseURL, tokens, logger)
}

func provideIdentity(client *rest.Client, logger *zap.Logger) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := client.FetchSelf(ctx)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("identity resolved", zap.String("user_id", id.UserID), zap.String("username", id.Username))
	return id, nil
}

func provideManager(b *bus.Bus, logger *zap.Logger) *conn.Manager {
	// Transport is bound in registerLifecycle; manager and socket
	// reference each other.
	return conn.NewManager(nil, b, logger)
}

func provideSocket(cfg *config.Config, tokens identity.TokenSource, m *conn.Manager, logger *zap.Logger) (*transport.Socket, error) {
	wsURL, err := socketURL(cfg)
	if err != nil {
		return nil, err
	}
	return transport.NewSocket(transport.Options{
		URL:        wsURL,
		Tokens:     tokens,
		MaxRetries: cfg.Sync.ReconnectMaxRetries,
		Backoff:    cfg.Sync.ReconnectBackoff.Duration,
	}, m, logger), nil
}

// socketURL derives the websocket endpoint from the REST base URL.
func socketURL(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base_url scheme %q", u.Scheme)
	}
	u.Path = cfg.Server.SocketPath
	return u.String(), nil
}

func provideArchive(logger *zap.Logger) (*archive.DB, error) {
	db, err := archive.Open()
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("session archive initialized")
	return db, nil
}

func provideRegistry(id identity.Identity) *registry.Registry {
	return registry.New(id.UserID)
}

func provideThread() *thread.Store {
	return thread.NewStore()
}

func providePipeline(id identity.Identity, th *thread.Store, m *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(id.UserID, th, m, b, logger, cfg.PendingTimeout())
}

func provideReadState(id identity.Identity, reg *registry.Registry, th *thread.Store, m *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *readstate.Synchronizer {
	return readstate.NewSynchronizer(id.UserID, reg, th, m, b, logger, cfg.UnreadReconcileInterval())
}

func provideTyping(id identity.Identity, th *thread.Store, m *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *typing.Indicator {
	return typing.NewIndicator(id.UserID, th.ActiveID, m, b, logger, cfg.TypingDebounce(), cfg.TypingExpiry())
}

func provideEngine(
	id identity.Identity,
	b *bus.Bus,
	logger *zap.Logger,
	reg *registry.Registry,
	th *thread.Store,
	ob *outbox.Pipeline,
	reads *readstate.Synchronizer,
	ti *typing.Indicator,
	client *rest.Client,
	arch *archive.DB,
) *engine.Engine {
	return engine.New(id, b, logger, reg, th, ob, reads, ti, client, arch)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	m *conn.Manager,
	sock *transport.Socket,
	eng *engine.Engine,
	ob *outbox.Pipeline,
	reads *readstate.Synchronizer,
	arch *archive.DB,
	id identity.Identity,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			m.Bind(sock)

			eng.Start(context.Background())
			ob.Start(context.Background())
			reads.Start(context.Background())

			// Connection failures are non-fatal: the engine runs in
			// degraded mode and the transport retries.
			go func() {
				if err := m.Connect(context.Background(), id); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			reads.Stop()
			ob.Stop()
			eng.Stop()
			m.Disconnect()
			if err := arch.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
