// Package app wires the courier runtime: config, logging, the store, HTTP
// routes, and the realtime gateway with its background workers.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"courier/internal/directory"
	"courier/internal/identity"
	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/ratelimit"
	"courier/internal/realtime"
	"courier/internal/store"
)

// App owns the wired runtime and its background workers.
type App struct {
	cfg Config
	log Logger

	st           store.Store
	storeEnabled bool

	reg *prometheus.Registry
	met *metrics.Metrics

	manager  *realtime.Manager
	buffer   *store.WriteBuffer
	receipts *realtime.ReceiptAggregator
	ws       *realtime.Gateway
	groups   *GroupsAPI
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	st, storeEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	verifier := newVerifier(cfg, log)
	entities := store.NewEntities(st)
	notifier := &notify.LogNotifier{Log: log}

	manager := realtime.NewManager(log, met)
	buffer := store.NewWriteBuffer(log, st.Messages(), met,
		store.WithBufferLimits(cfg.FlushBatchSize, cfg.FlushInterval))
	receipts := realtime.NewReceiptAggregator(log, met, manager, st.Messages(), notifier)
	dir := directory.New(log, st.Groups(), func() string {
		return realtime.NewMessageID(time.Now())
	})

	handlers := realtime.NewHandlers(log, met, manager, entities, buffer, receipts, dir, notifier)
	limiter := ratelimit.NewLimiter(cfg.RateLimitEvents, cfg.RateLimitWindow)
	loadGroups := func(ctx context.Context, userID string) ([]string, error) {
		gs, err := dir.UserGroups(ctx, userID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(gs))
		for i, g := range gs {
			ids[i] = g.ID
		}
		return ids, nil
	}
	ws := realtime.NewGateway(log, met, verifier, manager, handlers, limiter, loadGroups, realtime.GatewayConfig{
		OriginPatterns: cfg.WSOriginPatterns,
		DevInsecure:    cfg.WSDevInsecure,
	})
	groups := NewGroupsAPI(log, verifier, dir, manager)

	return &App{
		cfg:          cfg,
		log:          log,
		st:           st,
		storeEnabled: storeEnabled,
		reg:          reg,
		met:          met,
		manager:      manager,
		buffer:       buffer,
		receipts:     receipts,
		ws:           ws,
		groups:       groups,
	}, nil
}

// Run starts the background workers and the HTTP server, blocking until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.buffer.Run(workerCtx) }()
	go func() { defer wg.Done(); a.receipts.Run(workerCtx) }()
	go func() { defer wg.Done(); a.manager.RunSweep(workerCtx) }()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.st, a.storeEnabled, a.reg, a.ws, a.groups)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store_enabled", a.storeEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		stopWorkers()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.manager.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	// Workers drain their queues on cancellation; wait before closing the store.
	stopWorkers()
	wg.Wait()

	if err := a.st.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// newStore decides between Mongo-backed persistence and the in-memory dev
// store.
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, bool, error) {
	if cfg.MongoURI == "" {
		log.Info("store.disabled.inmemory")
		return store.NewMemory(), false, nil
	}

	m, err := store.ConnectMongo(ctx, log, store.MongoConfig{
		URI:            cfg.MongoURI,
		Database:       cfg.MongoDatabase,
		MaxPoolSize:    uint64(cfg.MongoMaxPool),
		MinPoolSize:    uint64(cfg.MongoMinPool),
		MaxConnIdle:    time.Minute,
		SocketTimeout:  cfg.MongoOpTimeout,
		ConnectTimeout: cfg.MongoOpTimeout,
		SelectTimeout:  cfg.MongoOpTimeout,
		GateCapacity:   cfg.StoreGateSize,
	})
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// newVerifier picks the JWT verifier, or the permissive dev map when no
// secret is configured: any "dev:<user>" token authenticates as <user>.
func newVerifier(cfg Config, log Logger) identity.Verifier {
	if cfg.JWTSecret != "" {
		return identity.NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	log.Warn("auth.dev_tokens_enabled")
	return devVerifier{}
}

type devVerifier struct{}

func (devVerifier) Verify(token string) (identity.Identity, error) {
	const prefix = "dev:"
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		return identity.Identity{UserID: token[len(prefix):]}, nil
	}
	return identity.Identity{}, identity.ErrInvalidToken
}
