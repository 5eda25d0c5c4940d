package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/epsilon"
	"github.com/sells-group/study-sync/internal/identity"
	"github.com/sells-group/study-sync/internal/monitoring"
	"github.com/sells-group/study-sync/internal/notify"
	"github.com/sells-group/study-sync/internal/remote"
	"github.com/sells-group/study-sync/internal/resilience"
	"github.com/sells-group/study-sync/internal/session"
	"github.com/sells-group/study-sync/internal/store"
)

// appEnv holds every initialized component. Construction is explicit and
// top-down; nothing reaches for ambient globals.
type appEnv struct {
	Local     store.Store
	Docs      remote.DocumentStore
	Outbox    *remote.Outbox
	Mirror    *remote.Mirror
	Identity  *identity.Provider
	Tracker   *epsilon.Tracker
	Ledger    *notify.Ledger
	Sessions  *session.Manager
	Collector *monitoring.Collector
}

// Close releases resources held by the app environment.
func (env *appEnv) Close() {
	if env.Docs != nil {
		_ = env.Docs.Close()
	}
	if env.Local != nil {
		_ = env.Local.Close()
	}
}

// initApp sets up the local store, remote client, and every component on top
// of them. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	local, err := initLocalStore()
	if err != nil {
		return nil, err
	}
	if err := local.Migrate(ctx); err != nil {
		_ = local.Close()
		return nil, eris.Wrap(err, "migrate local store")
	}

	docs, feed, err := initRemote(ctx)
	if err != nil {
		_ = local.Close()
		return nil, err
	}

	outbox := remote.NewOutbox(local, cfg.Sync.MaxPushAttempts)
	mirror := remote.NewMirror(docs, feed, outbox,
		remote.WithPushRate(cfg.Sync.PushRatePerSecond, cfg.Sync.PushBurst),
		remote.WithMirrorRetry(resilience.RetryConfig{
			MaxAttempts:    cfg.Sync.MaxRetries,
			InitialBackoff: time.Duration(cfg.Sync.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Sync.MaxBackoffMS) * time.Millisecond,
		}),
	)

	provider := identity.NewProvider(local)
	tracker := epsilon.NewTracker(local)
	ledger := notify.New(local, mirror, notify.WithDedupWindow(cfg.Notify.DedupWindow()))
	sessions := session.NewManager(local, provider, mirror, tracker, ledger)
	collector := monitoring.NewCollector(mirror, ledger, outbox)

	return &appEnv{
		Local:     local,
		Docs:      docs,
		Outbox:    outbox,
		Mirror:    mirror,
		Identity:  provider,
		Tracker:   tracker,
		Ledger:    ledger,
		Sessions:  sessions,
		Collector: collector,
	}, nil
}

func initLocalStore() (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initRemote(ctx context.Context) (remote.DocumentStore, remote.Feed, error) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})

	var docs remote.DocumentStore
	switch cfg.Remote.Backend {
	case "http":
		if cfg.Remote.BaseURL == "" {
			return nil, nil, eris.New("remote base URL is required (STUDY_REMOTE_BASE_URL)")
		}
		docs = remote.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.APIKey,
			remote.WithBreaker(breaker),
		)
	case "postgres":
		pg, err := remote.NewPostgres(ctx, cfg.Remote.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		docs = pg
	default:
		return nil, nil, eris.Errorf("unsupported remote backend: %s", cfg.Remote.Backend)
	}

	var feed remote.Feed
	if cfg.Remote.FeedURL != "" {
		feed = remote.NewWebsocketFeed(cfg.Remote.FeedURL, cfg.Remote.APIKey)
	} else {
		zap.L().Info("no change feed configured, remote updates arrive on pull only")
	}
	return docs, feed, nil
}
