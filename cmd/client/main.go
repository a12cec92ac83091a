package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/lunark-client/internal/api"
	"github.com/zhouzirui/lunark-client/internal/config"
	"github.com/zhouzirui/lunark-client/internal/handler"
	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
	"github.com/zhouzirui/lunark-client/internal/service/socket"
	"github.com/zhouzirui/lunark-client/internal/service/wallet"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.L().WithError(err).Fatal("failed to load configuration")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")
	if envErr != nil {
		log.WithError(envErr).Debug("no .env file, continuing with system environment variables only")
	}

	collector := metrics.New()
	ids := identity.NewStore(cfg.Identity.Identity())
	store := chat.NewStore()

	sockOpts := socket.DefaultOptions(cfg.Socket.URL)
	sockOpts.DialTimeout = cfg.Socket.DialTimeout
	sockOpts.MaxReconnectAttempts = cfg.Socket.MaxReconnectAttempts
	sockOpts.ReconnectDelay = cfg.Socket.ReconnectDelay
	sockOpts.PingInterval = cfg.Socket.PingInterval
	session := socket.New(sockOpts, ids, socket.WithMetrics(collector))

	var mgr *conversation.Manager
	backend := api.New(api.Options{
		BaseURL:        cfg.API.BaseURL,
		APIKey:         cfg.API.APIKey,
		Timeout:        cfg.API.Timeout,
		OnTokenRefresh: ids.SetSessionToken,
		OnUnauthorized: func() {
			log.Warn("session rejected by backend, signing out until a new session is supplied")
			if mgr != nil {
				go mgr.SignOut()
			}
		},
	}, ids)

	mgr = conversation.New(conversation.Deps{
		Session:  session,
		Backend:  backend,
		Identity: ids,
		Store:    store,
		Wallet:   wallet.NewHeadlessSwitcher(ids),
		Metrics:  collector,
	}, cfg.Chat)
	defer mgr.Close()

	if ids.Current().Valid() {
		if err := mgr.Connect(ctx); err != nil {
			log.WithError(err).Warn("initial connection failed, waiting for a new session")
		} else if cfg.Chat.ChatID != "" {
			if _, err := mgr.Open(ctx, cfg.Chat.ChatID); err != nil {
				log.WithError(err).WithField("chat", cfg.Chat.ChatID).Warn("failed to open conversation")
			}
		}
	} else {
		log.Info("no identity configured, waiting for PUT /api/session")
	}

	router := handler.NewRouter(mgr, store, ids, collector)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.L().Infof("Lunark client listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		logger.L().WithError(err).Fatal("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
