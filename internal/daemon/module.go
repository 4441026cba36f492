package daemon

import (
	"context"
	"time"

	"github.com/unpod/agentlink/internal/api"
	"github.com/unpod/agentlink/internal/bus"
	"github.com/unpod/agentlink/internal/channel"
	"github.com/unpod/agentlink/internal/config"
	"github.com/unpod/agentlink/internal/lock"
	"github.com/unpod/agentlink/internal/logging"
	"github.com/unpod/agentlink/internal/media"
	"github.com/unpod/agentlink/internal/outbox"
	"github.com/unpod/agentlink/internal/profile"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/restapi"
	"github.com/unpod/agentlink/internal/store"
	"github.com/unpod/agentlink/internal/tokens"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideQueue,
			provideTokens,
			provideRESTClient,
			providePubSub,
			provideMediaLink,
			provideChannel,
			provideChannelService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Profile, error) {
	path := profile.ConfigPath(p.ProfileName)
	cfg, err := config.LoadProfile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("profile config loaded", zap.String("path", path), zap.String("api", cfg.API.BaseURL))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, logger)
}

func provideTokens(cfg *config.Profile) *tokens.Cache {
	return tokens.New(cfg.Media.TokenTTL)
}

func provideRESTClient(cfg *config.Profile, logger *zap.Logger) *restapi.Client {
	return restapi.New(restapi.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		OrgHandle: cfg.API.OrgHandle,
		Timeout:   cfg.API.Timeout,
	}, logger)
}

func providePubSub(cfg *config.Profile, logger *zap.Logger) *pubsub.Link {
	return pubsub.NewLink(pubsub.Config{
		URL:              cfg.PubSub.URL,
		HandshakeTimeout: cfg.PubSub.HandshakeTimeout,
		BackoffBase:      cfg.PubSub.BackoffBase,
		BackoffMax:       cfg.PubSub.BackoffMax,
	}, logger)
}

func provideMediaLink(cfg *config.Profile, logger *zap.Logger) *media.Link {
	source := cfg.Media.Microphone
	return media.NewLink(func() media.Microphone {
		return &media.FileMicrophone{Path: source, LockPath: profile.MicrophoneLockPath()}
	}, logger)
}

func provideChannel(cfg *config.Profile, rest *restapi.Client, ps *pubsub.Link, ml *media.Link, tc *tokens.Cache, q *outbox.Queue, b *bus.Bus, db *store.DB, logger *zap.Logger) *channel.Channel {
	return channel.New(channel.Deps{
		API:    rest,
		PubSub: ps,
		Media:  ml,
		Tokens: tc,
		Queue:  q,
		Bus:    b,
		Logger: logger,
	}, channel.Options{
		Pilot:           cfg.Conversation.Pilot,
		MediaURL:        cfg.Media.URL,
		HistoryPageSize: cfg.Conversation.PageSize,
		OnOpen: func(id string) {
			if err := db.SetState(store.KeyLastConversation, id); err != nil {
				logger.Warn("failed to remember conversation", zap.Error(err))
			}
		},
	})
}

func provideChannelService(p Params, ch *channel.Channel, rest *restapi.Client, b *bus.Bus, cfg *config.Profile, logger *zap.Logger) *api.ChannelService {
	return api.NewChannelService(p.ProfileName, ch, rest, b, cfg.Conversation.ShareBaseURL, logger)
}

// startupConversation picks the conversation to open at boot: the
// configured one, else the last one opened.
func startupConversation(cfg *config.Profile, db *store.DB) string {
	if cfg.Conversation.ID != "" {
		return cfg.Conversation.ID
	}
	if db == nil {
		return ""
	}
	id, _ := db.GetState(store.KeyLastConversation)
	return id
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ch *channel.Channel, cfg *config.Profile, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if id := startupConversation(cfg, db); id != "" {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					if err := ch.Open(ctx, id); err != nil {
						logger.Error("auto-open failed", zap.String("conversation_id", id), zap.Error(err))
					}
				}()
			} else {
				logger.Info("no conversation configured, waiting for open")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := ch.Shutdown(ctx); err != nil {
				logger.Warn("error closing conversation", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
