// Package app wires the duet server runtime: config, logging, storage
// backends, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"duet/cmd/identity"
	"duet/cmd/identity/ids"
	"duet/cmd/internal/chat"
	"duet/cmd/internal/chatapi"
	"duet/cmd/internal/events"
	"duet/cmd/internal/media"
	"duet/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// readinessCheck probes one dependency for /readyz.
type readinessCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// App is the duet server runtime: it owns HTTP server wiring, storage
// backends and realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	static *chat.StaticDirectory

	memMedia *media.MemoryStore
	guard    *media.Guard

	hub      *realtime.Hub
	presence *realtime.Presence
	ws       *realtime.WSGateway
	api      *chatapi.Handler
	issuer   identity.Issuer

	checks  []readinessCheck
	closers []func(ctx context.Context) error
}

// New constructs a fully wired App instance from config and logger.
// On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.InstanceID == "" {
		if cfg.InstanceID, err = ids.NewULID(time.Now()); err != nil {
			return nil, err
		}
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	var reg prometheus.Registerer
	if a.registry != nil {
		reg = a.registry
	}

	convs, msgs, dir, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	mediaStore, err := a.openMedia(ctx, reg)
	if err != nil {
		return nil, err
	}

	mirror, err := a.openPresenceMirror(ctx)
	if err != nil {
		return nil, err
	}

	metrics := realtime.NewMetrics(reg)
	a.hub = realtime.NewHub(log, metrics)
	a.presence = realtime.NewPresence(log, mirror)

	if err := a.openRelay(); err != nil {
		return nil, err
	}

	notifiers := chat.Notifiers{realtime.NewRoomNotifier(a.hub), metrics}
	sink, err := a.openEventSink()
	if err != nil {
		return nil, err
	}
	if sink != nil {
		notifiers = append(notifiers, sink)
	}

	svc, err := chat.NewService(chat.Options{
		Log:           log,
		Conversations: convs,
		Messages:      msgs,
		Directory:     dir,
		Media:         mediaStore,
		Notifier:      notifiers,
	})
	if err != nil {
		return nil, err
	}

	idCfg, err := identity.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	auth, issuer, err := identity.NewProvider(idCfg)
	if err != nil {
		return nil, err
	}
	a.issuer = issuer

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.presence, svc, auth, metrics)
	if err != nil {
		return nil, err
	}

	a.api, err = chatapi.NewHandler(log, svc, auth, chatapi.LoadConfigFromEnv(), chatapi.WithPresence(a.presence))
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) openStorage(ctx context.Context) (chat.ConversationStore, chat.MessageStore, chat.Directory, error) {
	switch a.cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		a.checks = append(a.checks, readinessCheck{name: "postgres", probe: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})

		// Ownership model: the app owns the pool; stores only borrow it.
		st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, nil, nil, err
		}
		dir, err := chat.NewPostgresDirectory(pool, a.cfg.DBSchema)
		if err != nil {
			return nil, nil, nil, err
		}
		a.log.Info("store.enabled", "backend", StorePostgres, "schema", a.cfg.DBSchema)
		return st, st, dir, nil

	case StoreMongo:
		client, err := NewMongoClient(ctx, a.cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		a.onClose(client.Disconnect)
		a.checks = append(a.checks, readinessCheck{name: "mongo", probe: func(ctx context.Context) error {
			return PingMongo(ctx, client, 2*time.Second)
		}})

		db := client.Database(a.cfg.MongoDatabase)
		st, err := chat.NewMongoStore(ctx, db)
		if err != nil {
			return nil, nil, nil, err
		}
		a.log.Info("store.enabled", "backend", StoreMongo, "database", a.cfg.MongoDatabase)
		return st, st, chat.NewMongoDirectory(db), nil

	default:
		a.static = chat.NewStaticDirectory()
		st := chat.NewMemoryStore()
		a.log.Info("store.enabled", "backend", StoreMemory)
		return st, st, a.static, nil
	}
}

func (a *App) openMedia(ctx context.Context, reg prometheus.Registerer) (chat.MediaStore, error) {
	var backend media.Store
	switch a.cfg.Media {
	case MediaS3:
		s3, err := media.NewS3Store(ctx, media.S3Config{
			Bucket:        a.cfg.S3Bucket,
			Region:        a.cfg.S3Region,
			Endpoint:      a.cfg.S3Endpoint,
			PublicBaseURL: a.cfg.S3PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		backend = s3
	default:
		a.memMedia = media.NewMemoryStore(a.cfg.PublicBaseURL + mediaRoutePrefix)
		backend = a.memMedia
	}

	g, err := media.NewGuard(backend, media.DefaultGuardConfig(), a.log, reg)
	if err != nil {
		return nil, err
	}
	a.guard = g
	a.log.Info("media.enabled", "backend", a.cfg.Media)
	return g, nil
}

func (a *App) openPresenceMirror(ctx context.Context) (realtime.PresenceMirror, error) {
	if a.cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return rdb.Close() })
	a.checks = append(a.checks, readinessCheck{name: "redis", probe: func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pctx).Err()
	}})
	a.log.Info("presence.mirror.enabled", "backend", "redis", "addr", a.cfg.RedisAddr)
	return realtime.NewRedisPresence(rdb, "duet", a.cfg.InstanceID, a.cfg.PresenceTTL), nil
}

func (a *App) openRelay() error {
	if a.cfg.NATSURL == "" {
		return nil
	}
	nc, err := NewNATSConn(a.cfg, a.log)
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { nc.Close(); return nil })

	relay, err := realtime.NewNATSRelay(nc, a.cfg.InstanceID, a.log)
	if err != nil {
		return err
	}
	if err := relay.Start(a.hub); err != nil {
		return fmt.Errorf("nats relay: %w", err)
	}
	a.onClose(func(context.Context) error { return relay.Close() })
	a.log.Info("relay.enabled", "backend", "nats", "instance", a.cfg.InstanceID)
	return nil
}

func (a *App) openEventSink() (chat.Notifier, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	sink, err := events.NewKafkaSink(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.log)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return sink.Close() })
	a.log.Info("events.enabled", "backend", "kafka", "topic", a.cfg.KafkaTopic)
	return sink, nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Handler returns the full HTTP stack: routes plus middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api/chats",
		"ws", wsBaseURL(base)+"/ws",
		"store", a.cfg.Store,
		"media", a.cfg.Media,
		"instance", a.cfg.InstanceID,
	)
	if a.cfg.DevTokens {
		a.log.Warn("server.dev_tokens.enabled", "path", "/dev/tokens")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("server.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close releases backends in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
