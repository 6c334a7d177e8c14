// Command portald serves the portal's authenticated HTTP endpoints and the
// WebSocket event stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agamim/portal-server-go/auth"
	"github.com/agamim/portal-server-go/broker"
	redisbroker "github.com/agamim/portal-server-go/broker/redis"
	"github.com/agamim/portal-server-go/httpauth"
	"github.com/agamim/portal-server-go/internal/config"
	"github.com/agamim/portal-server-go/internal/jwtauth"
	"github.com/agamim/portal-server-go/internal/logctx"
	"github.com/agamim/portal-server-go/realtime"
	"github.com/agamim/portal-server-go/users"
	memusers "github.com/agamim/portal-server-go/users/memory"
	redisusers "github.com/agamim/portal-server-go/users/redis"
)

const (
	initialRefreshTimeout = 30 * time.Second
	shutdownTimeout       = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("portald.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := jwtauth.NewKeyStore(&jwtauth.KeyStoreConfig{
		DiscoveryURL:    cfg.DiscoveryURL,
		TenantID:        cfg.TenantID,
		RefreshInterval: cfg.KeyRefreshInterval,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	refreshCtx, cancel := context.WithTimeout(ctx, initialRefreshTimeout)
	if err := keys.Refresh(refreshCtx); err != nil {
		// Requests fail closed until a later refresh succeeds.
		log.ErrorContext(ctx, "portald.keys.initial_refresh_fail", slog.String("err", err.Error()))
	}
	cancel()
	go func() { _ = keys.Run(ctx) }()

	var (
		store users.Store
		bkr   broker.Broker
	)
	if cfg.UseRedis() {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		rs, err := redisusers.New(redisusers.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			return err
		}
		store = rs
		bkr = redisbroker.New(redisbroker.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "broker:"})
		log.InfoContext(ctx, "portald.redis.ok", slog.String("addr", cfg.RedisAddr))
	} else {
		ms := memusers.New(memusers.WithLogger(log))
		if cfg.UsersFile != "" {
			if err := ms.LoadFile(cfg.UsersFile); err != nil {
				return err
			}
			go func() { _ = ms.Watch(ctx, cfg.UsersFile) }()
		}
		store = ms
	}

	authn, err := auth.New(keys, store, cfg.ClientID,
		auth.WithCacheCeiling(cfg.AuthCacheTTL),
		auth.WithCacheCapacity(cfg.AuthCacheSize),
		auth.WithLeeway(cfg.AuthLeeway),
		auth.WithLogger(log),
	)
	if err != nil {
		return err
	}

	reg := realtime.NewRegistry()
	dispOpts := []realtime.DispatcherOption{realtime.WithDispatcherLogger(log)}
	if bkr != nil {
		dispOpts = append(dispOpts, realtime.WithBroker(bkr, realtime.DefaultTopic))
	}
	disp := realtime.NewDispatcher(reg, dispOpts...)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorContext(ctx, "portald.dispatcher.stopped", slog.String("err", err.Error()))
		}
	}()

	mgr := realtime.NewManager(authn, reg,
		realtime.WithHandshakeTimeout(cfg.WSHandshakeTimeout),
		realtime.WithManagerLogger(log),
	)

	requireAuth := httpauth.Middleware(authn, httpauth.WithLogger(log))
	mux := http.NewServeMux()
	mux.Handle("GET /ws", mgr)
	mux.Handle("GET /me", requireAuth(http.HandlerFunc(httpauth.WhoAmI)))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !keys.Loaded() {
			status = http.StatusServiceUnavailable
		}
		httpauth.WriteJSON(w, status, httpauth.Result{OK: status == http.StatusOK, Data: map[string]int{"connections": mgr.Count()}})
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           httpauth.RequestLog(log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "portald.listen", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("portald.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = mgr.Close()
	return srv.Shutdown(shutdownCtx)
}
