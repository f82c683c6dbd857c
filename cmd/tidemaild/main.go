package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/api"
	"github.com/tidemail/tidemail/internal/auth"
	"github.com/tidemail/tidemail/internal/config"
	"github.com/tidemail/tidemail/internal/crypto"
	"github.com/tidemail/tidemail/internal/discover"
	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	codec := crypto.NewCodec(cfg.EncryptionSecret, cfg.RetiredSecrets...)
	discoverer := discover.New(cfg.DiscoveryTimeout, log)

	folderCache := mail.NewFolderCache(cfg.FolderCacheTTL, 1024)
	proxy := mail.NewProxy(&mail.TLSDialer{}, folderCache, log)
	sender := mail.NewSender(proxy, log)

	manager := auth.NewManager(st, codec, proxy, discoverer, cfg.JWTSecret, cfg.TokenLifetime, log)

	sweeper := auth.NewSweeper(manager, time.Hour, log)
	sweeper.Start()
	defer sweeper.Stop()

	server := api.NewServer(manager, proxy, sender, discoverer, log, api.Options{
		CORSOrigin:      cfg.CORSOrigin,
		Debug:           cfg.Debug,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    int64(cfg.RateLimitMax),
		DefaultIMAPPort: cfg.DefaultIMAPPort,
		DefaultSMTPPort: cfg.DefaultSMTPPort,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}
}
