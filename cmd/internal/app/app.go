// Package app wires the undertow runtime: configuration, logging, the
// session service, the presence backplane, and the client gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"undertow/cmd/internal/auth/session"
	"undertow/cmd/internal/backplane"
	"undertow/cmd/internal/gateway"
)

// App owns the wired subsystems and the two HTTP listeners: the public
// server (gateway, session API, health, metrics) and the node-to-node
// relay listener.
type App struct {
	cfg Config
	log *slog.Logger

	mongo     *mongo.Client
	dbEnabled bool

	sessions  *session.Service
	backplane *backplane.Backplane
	gateway   *gateway.Gateway

	nodeAddr string
}

// kickProxy breaks the construction cycle: the session service needs a
// Kicker before the backplane exists.
type kickProxy struct {
	target session.Kicker
}

func (p *kickProxy) Kick(ctx context.Context, domain, user, client string) error {
	if p.target == nil {
		return nil
	}
	return p.target.Kick(ctx, domain, user, client)
}

// New constructs a fully wired App.
func New(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	bpCfg, err := backplane.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	gwCfg, err := gateway.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	var (
		client    *mongo.Client
		sessStore session.Store
		presence  backplane.PresenceStore
		links     backplane.LinkStore
		hosts     backplane.HostStore
	)

	if cfg.MongoURI == "" {
		log.Info("store.inmemory")
		sessStore = session.NewInMemoryStore()
		presence = backplane.NewInMemoryPresence()
		links = backplane.NewInMemoryLinks()
		hosts = backplane.NewInMemoryHosts()
	} else {
		ctx := context.Background()
		client, err = NewMongoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)

		mongoSessions, err := session.NewMongoStore(db.Collection("sessions"))
		if err != nil {
			return nil, err
		}
		mongoPresence, err := backplane.NewMongoPresence(db.Collection("presence"))
		if err != nil {
			return nil, err
		}
		mongoLinks, err := backplane.NewMongoLinks(db.Collection("links"))
		if err != nil {
			return nil, err
		}
		mongoHosts, err := backplane.NewMongoHosts(db.Collection("hosts"))
		if err != nil {
			return nil, err
		}

		idxCtx, cancel := context.WithTimeout(ctx, cfg.MongoTimeout)
		defer cancel()
		if err := mongoSessions.EnsureIndexes(idxCtx); err != nil {
			return nil, fmt.Errorf("session indexes: %w", err)
		}
		if err := mongoPresence.EnsureIndexes(idxCtx); err != nil {
			return nil, fmt.Errorf("presence indexes: %w", err)
		}
		if err := mongoHosts.EnsureIndexes(idxCtx); err != nil {
			return nil, fmt.Errorf("host indexes: %w", err)
		}
		log.Info("store.mongo", "database", cfg.MongoDatabase)

		sessStore, presence, links, hosts = mongoSessions, mongoPresence, mongoLinks, mongoHosts
	}

	proxy := &kickProxy{}
	sessions := session.NewService(sessCfg, log, sessStore, proxy)

	bp := backplane.New(backplane.Params{
		Config:   bpCfg,
		Log:      log,
		Presence: presence,
		Links:    links,
		Hosts:    hosts,
		Sessions: sessions,
		Events:   presenceEvents(log),
	})
	proxy.target = bp

	gw := gateway.New(gateway.Params{
		Config:   gwCfg,
		Log:      log,
		Sessions: sessions,
		Core:     bp,
		Resolver: defaultResolver,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		mongo:     client,
		dbEnabled: client != nil,
		sessions:  sessions,
		backplane: bp,
		gateway:   gw,
		nodeAddr:  fmt.Sprintf(":%d", bpCfg.Port),
	}, nil
}

// presenceEvents logs cluster-wide presence transitions. Deployments
// embedding undertow replace these hooks with application logic.
func presenceEvents(log *slog.Logger) backplane.Events {
	return backplane.Events{
		UserOnline: func(domain, user string) {
			log.Info("presence.user.online", "domain", domain, "user", user)
		},
		UserOffline: func(domain, user string) {
			log.Info("presence.user.offline", "domain", domain, "user", user)
		},
		ClientOnline: func(domain, user, client string) {
			log.Info("presence.client.online", "domain", domain, "user", user, "client", client)
		},
		ClientOffline: func(domain, user, client string) {
			log.Info("presence.client.offline", "domain", domain, "user", user, "client", client)
		},
	}
}

// defaultResolver names link targets directly in the request query:
// {"user": ..., "client": ...}. Deployments embedding undertow swap in
// their own resolution.
func defaultResolver(_ context.Context, _ string, agent *session.Agent, query map[string]any) (gateway.LinkTarget, bool, error) {
	user, _ := query["user"].(string)
	if user == "" {
		return gateway.LinkTarget{}, false, nil
	}
	client, _ := query["client"].(string)

	return gateway.LinkTarget{
		User:           user,
		Client:         client,
		InitiatorQuery: map[string]any{"user": agent.User, "client": agent.Client},
		TargetQuery:    map[string]any{"user": user, "client": client},
	}, true, nil
}

// Run starts both listeners and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.backplane.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	a.registerHTTP(mux)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	nodeSrv := &http.Server{
		Addr:              a.nodeAddr,
		Handler:           a.backplane.NodeHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"node_addr", a.nodeAddr,
		"node", a.backplane.Self().Node,
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := nodeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("node server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	if err := nodeSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("node.shutdown.fail", "err", err)
	}
	a.backplane.Shutdown()

	if a.mongo != nil {
		if err := a.mongo.Disconnect(shutdownCtx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbEnabled {
			if err := PingDB(r.Context(), a.mongo, a.cfg); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", a.gateway)

	api := &sessionAPI{log: a.log, svc: a.sessions}
	api.register(mux)
}
