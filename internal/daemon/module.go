// Package daemon wires the sync engine into a long-running process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connstate"
	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile  string
	Config   *config.Config
	LogLevel string
	// Root overrides the base directory the profile lives under; empty = profile.BaseDir().
	Root string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideChats,
			provideFriends,
			provideTracker,
			provideReconciler,
			provideOrchestrator,
			provideEngine,
			provideConnection,
			provideTransport,
			provideSender,
			provideMetrics,
			provideActions,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (profile.Layout, error) {
	l := profile.For(p.Profile)
	if p.Root != "" {
		l = profile.At(p.Root, p.Profile)
	}
	return l, l.Ensure()
}

func provideLogger(p Params, l profile.Layout) (*zap.Logger, error) {
	return logging.New(l.LogPath(), p.Profile, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(l profile.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", l.Name))
	lk, err := lock.Acquire(l.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return lk, nil
}

// provideStore takes the lock so the cache is never opened by two daemons.
func provideStore(l profile.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(l.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", l.DBPath()))
	return db, nil
}

// tokenSource reads the bearer token file once. A missing file means
// unauthenticated requests.
func tokenSource(path string, logger *zap.Logger) (func() string, error) {
	if path == "" {
		return func() string { return "" }, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warn("token file not found, connecting without credentials", zap.String("path", path))
		return func() string { return "" }, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	return func() string { return tok }, nil
}

func provideRemote(p Params, logger *zap.Logger) (*remote.Client, error) {
	tok, err := tokenSource(p.Config.API.TokenFile, logger)
	if err != nil {
		return nil, err
	}
	return remote.New(remote.Config{
		BaseURL:  p.Config.API.BaseURL,
		Timeout:  p.Config.API.RequestTimeout.Std(),
		RetryMax: p.Config.API.RetryMax,
	}, remote.WithLogger(logger.Named("remote")), remote.WithToken(tok))
}

func coordinatorOpts(b *bus.Bus, logger *zap.Logger) []delta.Opt {
	return []delta.Opt{delta.WithBus(b), delta.WithLogger(logger.Named("delta"))}
}

func provideChats(p Params, rc *remote.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *delta.Coordinator[store.Chat] {
	return delta.New[store.Chat](remote.Chats(rc), db.Chats(), delta.Config{
		MaxSurvivals: p.Config.Sync.TombstoneMaxSurvivals,
		CanLeave:     true,
	}, coordinatorOpts(b, logger)...)
}

func provideFriends(p Params, rc *remote.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *delta.Coordinator[store.Friend] {
	return delta.New[store.Friend](remote.Friends(rc), db.Friends(), delta.Config{
		MaxSurvivals: p.Config.Sync.TombstoneMaxSurvivals,
	}, coordinatorOpts(b, logger)...)
}

func provideTracker(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (*message.Tracker, error) {
	return message.NewTracker(db, message.Config{
		FallbackWindow:  p.Config.Message.FallbackWindow.Std(),
		OrphanCacheSize: p.Config.Message.OrphanStatusCache,
	}, message.WithBus(b), message.WithLogger(logger.Named("message")))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("reconciler"))
}

func provideOrchestrator(
	p Params,
	rec *intsync.Reconciler,
	chats *delta.Coordinator[store.Chat],
	friends *delta.Coordinator[store.Friend],
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Orchestrator {
	return intsync.NewOrchestrator(intsync.Config{
		Debounce:  p.Config.Sync.Debounce.Std(),
		Interval:  p.Config.Sync.Interval.Std(),
		FullEvery: p.Config.Sync.FullEvery,
	}, rec, []intsync.Target{intsync.Coordinated(chats), intsync.Coordinated(friends)},
		intsync.WithBus(b), intsync.WithLogger(logger.Named("sync")))
}

func provideEngine(p Params, db *store.DB, tr *message.Tracker, orch *intsync.Orchestrator, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, tr, orch, p.Config.API.UserID, b, logger.Named("engine"))
}

func provideConnection(p Params, b *bus.Bus, logger *zap.Logger) *connstate.Tracker {
	c := p.Config.Connection
	return connstate.New(connstate.Config{
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		BackoffBase:       c.BackoffBase.Std(),
		BackoffMax:        c.BackoffMax.Std(),
		MaxAttempts:       c.MaxAttempts,
		JitterPercent:     c.JitterPercent,
	}, connstate.WithBus(b), connstate.WithLogger(logger.Named("connection")))
}

// provideTransport builds the realtime client and installs it as the
// connection tracker's dialer.
func provideTransport(p Params, engine *intsync.Engine, conn *connstate.Tracker, logger *zap.Logger) (*transport.Client, error) {
	tok, err := tokenSource(p.Config.API.TokenFile, logger)
	if err != nil {
		return nil, err
	}
	c := transport.New(transport.Config{
		URL:          p.Config.API.WSURL,
		PingInterval: p.Config.Connection.HeartbeatInterval.Std(),
	}, engine,
		transport.WithLogger(logger.Named("transport")),
		transport.WithToken(tok),
		transport.WithHeartbeat(conn.Heartbeat))
	conn.SetDialer(c)
	return c, nil
}

func provideSender(p Params, tr *message.Tracker, rc *remote.Client, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(outbox.Config{
		PollInterval: p.Config.Outbox.PollInterval.Std(),
		MaxAttempts:  p.Config.Outbox.MaxAttempts,
	}, tr, rc, p.Config.API.UserID, outbox.WithLogger(logger.Named("outbox")))
}

// provideMetrics returns nil when no listen address is configured.
func provideMetrics(p Params, logger *zap.Logger) *metrics.Server {
	if p.Config.Metrics.Listen == "" {
		return nil
	}
	return metrics.NewServer(p.Config.Metrics.Listen, logger.Named("metrics"))
}

func provideActions(
	sender *outbox.Sender,
	chats *delta.Coordinator[store.Chat],
	friends *delta.Coordinator[store.Friend],
	orch *intsync.Orchestrator,
	conn *connstate.Tracker,
	logger *zap.Logger,
) api.ActionServer {
	return api.NewActionService(sender, map[store.Kind]api.Deleter{
		store.KindChat:   chats,
		store.KindFriend: friends,
	}, orch, conn, logger.Named("api"))
}

type lifecycleIn struct {
	fx.In

	Server       *Server
	Lock         *lock.Lock
	DB           *store.DB
	Conn         *connstate.Tracker
	Transport    *transport.Client
	Orchestrator *intsync.Orchestrator
	Sender       *outbox.Sender
	Metrics      *metrics.Server
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	var unwatch connstate.Subscription
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if in.Metrics != nil {
				in.Metrics.Start()
			}

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			unwatch = in.Conn.OnStatusChange(func(c connstate.Change) {
				if c.Exhausted {
					logger.Warn("reconnect attempts exhausted, run `chatsyncctl reconnect` to retry", zap.Int("attempts", c.Attempts))
				}
			})
			in.Orchestrator.WatchConnection(in.Conn)
			in.Orchestrator.Start()
			in.Sender.Start(context.Background())

			return in.Conn.Connect()
		},
		OnStop: func(ctx context.Context) error {
			in.Conn.OffStatusChange(unwatch)
			in.Sender.Stop()
			in.Orchestrator.Stop()
			in.Conn.Disconnect()
			_ = in.Transport.Close()
			in.Server.Stop(ctx)
			if in.Metrics != nil {
				if err := in.Metrics.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
