// Command keybridge runs the auth broker as an HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	kb "github.com/panyam/keybridge"
	"github.com/panyam/keybridge/internal/logger"
	"github.com/panyam/keybridge/oauth"
	"github.com/panyam/keybridge/relay"
	"github.com/panyam/keybridge/server"
	"github.com/panyam/keybridge/stores"
	"github.com/panyam/keybridge/stores/fs"
	"github.com/panyam/keybridge/stores/gae"
	gormstore "github.com/panyam/keybridge/stores/gorm"
	"github.com/panyam/keybridge/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := kb.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Log.Fatal("keybridge exited", zap.Error(err))
	}
}

// backend is an opened identity store and its cleanup.
type backend struct {
	store kb.UserStore
	close func() error
}

func openStore(ctx context.Context, cfg *kb.Config) (*backend, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		return &backend{store: stores.NewMemoryUserStore()}, nil

	case "fs":
		if cfg.StoragePath == "" {
			return nil, errors.New("fs store needs storage_path")
		}
		return &backend{store: fs.NewFSAccountStore(cfg.StoragePath)}, nil

	case "sqlite":
		path := cfg.StoragePath
		if path == "" {
			path = "keybridge.db"
		} else if filepath.Ext(path) == "" {
			path = filepath.Join(path, "keybridge.db")
		}
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &backend{
			store: gormstore.NewAccountStore(db),
			close: func() error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
		}, nil

	case "datastore":
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("datastore client: %w", err)
		}
		return &backend{
			store: gae.NewAccountStore(client, cfg.DatastoreNamespace),
			close: client.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// plugins builds the method plugins the config has material for.
func plugins(cfg *kb.Config) ([]kb.Plugin, error) {
	var out []kb.Plugin

	var walletProviders []kb.Provider
	if cfg.WalletKeyHex != "" {
		w, err := wallet.LocalWalletFromHex(cfg.WalletKeyHex)
		if err != nil {
			return nil, fmt.Errorf("wallet key: %w", err)
		}
		walletProviders = append(walletProviders, w)
	}
	if cfg.WalletRPCURL != "" {
		walletProviders = append(walletProviders, wallet.NewRPCProvider(cfg.WalletRPCURL))
	}
	out = append(out, wallet.NewPlugin(walletProviders...))

	var extensions []relay.Extension
	if cfg.RelayKeyHex != "" {
		key, err := relay.LocalKeyFromHex(cfg.RelayKeyHex)
		if err != nil {
			return nil, fmt.Errorf("relay key: %w", err)
		}
		extensions = append(extensions, key)
	}
	out = append(out, relay.NewPlugin(extensions...))

	if cfg.OAuthSigningSecret != "" {
		base := strings.TrimSuffix(cfg.OAuthCallbackBase, "/")
		var providers []*oauth.Provider
		if google := oauth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, base+"/auth/oauth/google/callback"); google.OAuthConfig.ClientID != "" {
			providers = append(providers, google)
		}
		if github := oauth.NewGithub(cfg.GitHubClientID, cfg.GitHubClientSecret, base+"/auth/oauth/github/callback"); github.OAuthConfig.ClientID != "" {
			providers = append(providers, github)
		}
		out = append(out, oauth.NewPlugin(cfg.OAuthSigningSecret, providers...))
	}
	return out, nil
}

func run(ctx context.Context, cfg *kb.Config) error {
	be, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	core := (&kb.KeyBridge{Config: cfg, Store: be.store, Metrics: kb.NewMetrics(reg)}).EnsureDefaults()
	core.Events.On(kb.EventAuthLogin, func(ev kb.Event) {
		if ae, ok := ev.Payload.(kb.AuthEvent); ok {
			logger.Log.Info("login", zap.String("method", string(ae.Method)), zap.String("identity", ae.IdentityPub))
		}
	})
	defer func() {
		if err := core.Close(); err != nil {
			logger.Log.Warn("error closing plugins", zap.Error(err))
		}
		if be.close != nil {
			if err := be.close(); err != nil {
				logger.Log.Warn("error closing store", zap.Error(err))
			}
		}
	}()

	ps, err := plugins(cfg)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if err := core.Register(p); err != nil {
			logger.Log.Warn("plugin not available", zap.String("plugin", p.Name()), zap.Error(err))
		}
	}

	srv := server.New(core)
	srv.Router().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("keybridge listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.StoreBackend))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
