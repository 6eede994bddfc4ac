package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/agents/collector"
	"github.com/gibbonas/MemAgent/pkg/agents/screener"
	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/config"
	"github.com/gibbonas/MemAgent/pkg/credentials"
	"github.com/gibbonas/MemAgent/pkg/events"
	"github.com/gibbonas/MemAgent/pkg/imagegen"
	"github.com/gibbonas/MemAgent/pkg/llm"
	"github.com/gibbonas/MemAgent/pkg/memory"
	"github.com/gibbonas/MemAgent/pkg/metadata"
	"github.com/gibbonas/MemAgent/pkg/orchestrator"
	"github.com/gibbonas/MemAgent/pkg/persistence/usagestore"
	"github.com/gibbonas/MemAgent/pkg/picker"
	"github.com/gibbonas/MemAgent/pkg/pipeline"
	"github.com/gibbonas/MemAgent/pkg/redisstream"
	"github.com/gibbonas/MemAgent/pkg/references"
	"github.com/gibbonas/MemAgent/pkg/session"
)

// app is the fully wired service shared by serve and chat.
type app struct {
	settings     config.Settings
	orchestrator *orchestrator.Orchestrator
	tracker      *budget.Tracker
	bus          *events.Bus
	lanes        *session.Lanes[orchestrator.Result]

	closers []func() error
}

func buildApp(ctx context.Context, s config.Settings) (_ *app, err error) {
	a := &app{settings: s, lanes: session.NewLanes[orchestrator.Result]()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(s.TempImageDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create image dir")
	}

	tracker, err := openTracker(s)
	if err != nil {
		return nil, err
	}
	a.tracker = tracker.tracker
	a.closers = append(a.closers, tracker.ledger.Close)

	var rdb *redis.Client
	if s.Redis.Enabled || s.SessionStore == config.SessionStoreRedis {
		rdb = redisstream.NewClient(s.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.Wrapf(err, "connect redis at %s", s.Redis.Addr)
		}
		a.closers = append(a.closers, rdb.Close)
	}

	store, err := buildStore(ctx, s, rdb, a.lanes)
	if err != nil {
		return nil, err
	}
	a.lanes.StartPruneLoop(ctx, s.RequestLaneIdle, s.SessionEvictionInterval)

	var uc redis.UniversalClient
	if rdb != nil {
		uc = rdb
	}
	bus, err := redisstream.BuildBus(ctx, uc, s.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "build event bus")
	}
	a.bus = bus
	// the bus closes before the redis client it reads from
	a.closers = append([]func() error{bus.Close}, a.closers...)

	client, err := llm.NewClient(ctx, s.GoogleAPIKey)
	if err != nil {
		return nil, err
	}
	models := client.Models

	chain := screener.Chain{screener.KeywordScreener{}}
	if s.Screening.UseModel {
		chain = append(chain, screener.NewGenAIScreener(models, s.LLM.Options(s.LLM.TextModel)))
	}

	tokens := tokenProvider(s)
	pl, err := pipeline.New(pipeline.Deps{
		Screener:  chain,
		Generator: imagegen.NewGenAIGenerator(models, s.TempImageDir, s.LLM.Options(s.LLM.ImageModel)),
		Fetcher:   references.NewFetcher(nil, s.References.Options()),
		Tokens:    tokens,
		Embedder:  metadata.EXIFEmbedder{},
		Tracker:   a.tracker,
	}, pipeline.Options{BlockOnViolation: s.Screening.BlockOnViolation})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Collector: collector.NewGenAICollector(models, s.LLM.Options(s.LLM.TextModel)),
		Pipeline:  pl,
		Picker:    picker.NewClient(s.Picker.BaseURL, tokens, s.Picker.Timeout),
		Tracker:   a.tracker,
		Events:    bus,
	}, orchestrator.Options{
		ContextWindow:   memory.ContextWindow,
		PickerMaxItems:  s.Picker.MaxItems,
		AutoStartPicker: s.AutoStartPicker,
	})
	if err != nil {
		return nil, err
	}
	a.orchestrator = orch

	log.Info().
		Str("session_store", s.SessionStore).
		Bool("redis_events", s.Redis.Enabled).
		Bool("photo_access", tokens != nil).
		Bool("model_screening", s.Screening.UseModel).
		Msg("memagent wired")
	return a, nil
}

// Close releases stores and transports in reverse dependency order. It is
// safe to call more than once.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var first error
	for _, fn := range a.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

type openedTracker struct {
	tracker *budget.Tracker
	ledger  *usagestore.SQLiteUsageStore
}

func openTracker(s config.Settings) (*openedTracker, error) {
	dsn, err := usagestore.SQLiteUsageDSNForFile(s.DatabasePath)
	if err != nil {
		return nil, err
	}
	ledger, err := usagestore.NewSQLiteUsageStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open usage ledger")
	}
	tracker, err := budget.NewTracker(ledger, s.BudgetLimits())
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	return &openedTracker{tracker: tracker, ledger: ledger}, nil
}

// buildStore picks the session store. In-memory sessions are evicted when
// idle unless a request for them is in flight, and their lanes go with them.
func buildStore(ctx context.Context, s config.Settings, rdb *redis.Client, lanes *session.Lanes[orchestrator.Result]) (session.Store, error) {
	switch s.SessionStore {
	case config.SessionStoreRedis:
		st, err := session.NewRedisStore(rdb, s.Redis.SessionTTL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.SessionStoreMemory, "":
		st := session.NewMemoryStore()
		st.SetEvictionConfig(s.SessionIdleTimeout, s.SessionEvictionInterval, lanes.Busy)
		if lanes != nil {
			st.SetOnEvict(func(id string) { lanes.Forget(id) })
		}
		st.StartEvictionLoop(ctx)
		return st, nil
	default:
		return nil, errors.Errorf("unknown session store %q", s.SessionStore)
	}
}

// tokenProvider returns the delegated photo credentials, or nil when none are
// configured. A refresh token with client credentials renews itself; a bare
// access token is used until it expires.
func tokenProvider(s config.Settings) credentials.TokenProvider {
	access := strings.TrimSpace(s.GoogleAccessToken)
	refresh := strings.TrimSpace(s.GoogleRefreshToken)
	if strings.TrimSpace(s.GoogleClientID) != "" && refresh != "" {
		cfg := credentials.NewOAuthConfig(s.GoogleClientID, s.GoogleClientSecret, "")
		return credentials.NewOAuthProvider(cfg, credentials.TokenFromParts(access, refresh, time.Time{}))
	}
	if access != "" {
		return credentials.StaticProvider(access)
	}
	return nil
}
