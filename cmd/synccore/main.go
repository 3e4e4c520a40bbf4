// Command synccore runs the OpenMates chat sync core: SyncBroker's
// WebSocket gateway, PersistenceWorker's durable-write drain, and
// ReminderEngine's due-poll loop, all sharing one HotCache.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/openmates/synccore/internal/config"
	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/metadatastore"
	"github.com/openmates/synccore/internal/offlinereplay"
	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/persistworker"
	"github.com/openmates/synccore/internal/reminder"
	"github.com/openmates/synccore/internal/syncbroker"
	"github.com/openmates/synccore/internal/telemetry"
	"github.com/openmates/synccore/internal/versionengine"
)

func main() {
	configRoot := flag.String("config", ".", "config bundle root directory")
	env := flag.String("env", os.Getenv("SYNCCORE_ENV"), "environment tier name")
	flag.Parse()

	if err := run(*configRoot, *env); err != nil {
		fmt.Fprintln(os.Stderr, "synccore: "+err.Error())
		os.Exit(1)
	}
}

func run(configRoot, env string) error {
	if err := config.LoadDotEnv(""); err != nil {
		return fmt.Errorf("dotenv: %w", err)
	}
	loader, err := config.NewLoader(configRoot, config.Options{
		Service:            "synccore",
		Env:                env,
		EnableEnvOverrides: true,
	})
	if err != nil {
		return fmt.Errorf("config loader: %w", err)
	}
	bundle, err := loader.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	settings, err := bundle.Decode()
	if err != nil {
		return fmt.Errorf("config decode: %w", err)
	}

	log := telemetry.New(telemetry.Options{
		Service:    "synccore",
		Level:      telemetry.LevelInfo,
		FilePath:   settings.LogFilePath,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	})
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := hotcache.New(hotcache.Options{TopN: settings.HotCache.TopN})
	if err := cache.Restore(settings.HotCache.SpillDir); err != nil {
		return fmt.Errorf("hotcache restore: %w", err)
	}

	vault, err := buildVault(settings, log)
	if err != nil {
		return fmt.Errorf("keyvault: %w", err)
	}

	store, err := buildStore(settings, log)
	if err != nil {
		return fmt.Errorf("metadatastore: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("metadatastore schema: %w", err)
	}

	versions := versionengine.New(cache)
	pending := pendingdelivery.New(cache)

	persist := persistworker.New(cache, store, vault, persistworker.Options{
		Concurrency:   settings.PersistWorker.Concurrency,
		MaxAttempts:   settings.PersistWorker.MaxAttempts,
		HighWaterMark: settings.PersistWorker.HighWaterMark,
		Log:           log,
	})

	offline := offlinereplay.New(versions, cache, vault, persist)

	hub := syncbroker.NewHub()
	remindEngine := reminder.New(cache, vault, reminder.Options{
		Presence:     hub,
		Fanout:       hub,
		Pending:      pending,
		PollInterval: settings.Reminder.PollInterval,
		Log:          log,
	})

	signingKey, err := hex.DecodeString(settings.Auth.SigningKeyHex)
	if err != nil {
		return fmt.Errorf("auth signing key: %w", err)
	}
	auth := syncbroker.NewAuthVerifier(signingKey, settings.Auth.Issuer, settings.Auth.Audience)

	broker := syncbroker.NewBroker(hub, versions, cache, vault, offline, persist, pending, log)
	server := syncbroker.NewServer(hub, broker, auth, pending, syncbroker.ServerOptions{
		Addr: settings.HTTPAddr,
		Log:  log,
	})

	remindEngine.Recover(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { persist.Run(gctx); return nil })
	g.Go(func() error { remindEngine.Run(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	log.Info(ctx, "synccore: started", map[string]any{"addr": settings.HTTPAddr})
	waitErr := g.Wait()
	if err := cache.Spill(settings.HotCache.SpillDir); err != nil {
		log.Error(ctx, "synccore: hotcache spill failed", map[string]any{"error": err.Error()})
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	log.Info(ctx, "synccore: shut down cleanly", nil)
	return nil
}

func buildVault(settings config.Settings, log *telemetry.Logger) (keyvault.Vault, error) {
	masterSecret, err := hex.DecodeString(settings.KeyVault.MasterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("master_secret_hex: %w", err)
	}
	var hmacKey []byte
	if settings.KeyVault.HMACKeyHex != "" {
		hmacKey, err = hex.DecodeString(settings.KeyVault.HMACKeyHex)
		if err != nil {
			return nil, fmt.Errorf("hmac_key_hex: %w", err)
		}
	}
	hmacKeys := map[string][]byte{}
	if hmacKey != nil {
		hmacKeys["email-hmac-key"] = hmacKey
	}
	return keyvault.NewInProcessVault(masterSecret, hmacKeys, settings.KeyVault.RateLimitPerSec, settings.KeyVault.TokenCacheTTL, log)
}

func buildStore(settings config.Settings, log *telemetry.Logger) (metadatastore.Store, error) {
	if settings.Postgres.DSN != "" {
		db, err := sql.Open("postgres", settings.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return metadatastore.NewPostgresStore(db, metadatastore.PostgresOptions{Log: log})
	}
	path := settings.SQLite.Path
	if path == "" {
		path = "./data/synccore.db"
	}
	return metadatastore.OpenSQLite(path, metadatastore.PostgresOptions{Log: log})
}
