package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Acidburn0zzz/realm-core/internal/auth"
	"github.com/Acidburn0zzz/realm-core/internal/config"
	"github.com/Acidburn0zzz/realm-core/internal/logging"
	"github.com/Acidburn0zzz/realm-core/internal/metadata"
	"github.com/Acidburn0zzz/realm-core/internal/transport"
	"github.com/Acidburn0zzz/realm-core/sync"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("realm-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("realm", cfg.RealmPath),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := metadata.LoadAt(cfg.MetadataDBPath())
	if err != nil {
		return fmt.Errorf("loading metadata store: %w", err)
	}
	defer store.Close()

	// File actions scheduled by a previous run must complete before any
	// session binds the affected files again.
	if err := performFileActions(store, logger); err != nil {
		return fmt.Errorf("performing pending file actions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSync(gctx, cfg, store, logger)
	})

	return g.Wait()
}

// runSync runs the sync daemon until the context is cancelled.
func runSync(ctx context.Context, cfg *config.Config, store *metadata.Store, logger *slog.Logger) error {
	client, err := transport.NewClient(transport.Config{
		ServerURL: cfg.ServerURL,
		HistoryFactory: func(string) (transport.History, error) {
			return transport.NewMemoryHistory(), nil
		},
		Store:        store,
		Logger:       logger,
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating transport client: %w", err)
	}

	refresher := sync.NewHTTPTokenRefresher(auth.NewClient(cfg.AuthURL, nil))
	user := sync.NewUser(cfg.UserIdentity, cfg.AccessToken, cfg.RefreshToken, refresher)

	manager := sync.NewManager(client, store, cfg.RecoveryDir(), logger)

	ref := manager.OpenSession(cfg.RealmPath, sync.Config{
		User:             user,
		PartitionValue:   cfg.PartitionValue,
		StopPolicy:       sync.StopAfterChangesUploaded,
		ClientResyncMode: sync.ResyncRecover,
		ErrorHandler: func(_ *sync.Session, syncErr sync.Error) {
			logger.Error("sync error",
				slog.Any("error", syncErr.Err),
				slog.String("message", syncErr.Message),
				slog.Bool("fatal", syncErr.IsFatal),
			)
		},
	})
	defer ref.Release()

	ref.RegisterConnectionChangeCallback(func(oldState, newState sync.ConnectionState) {
		logger.Info("connection state changed",
			slog.String("from", oldState.String()),
			slog.String("to", newState.String()),
		)
	})

	ref.RegisterProgressNotifier(func(transferred, transferrable uint64) {
		logger.Debug("download progress",
			slog.Uint64("transferred", transferred),
			slog.Uint64("transferrable", transferrable),
		)
	}, sync.ProgressDirectionDownload, true)

	<-ctx.Done()
	logger.Info("shutting down")
	manager.ShutdownAndWait()

	return nil
}

// performFileActions executes deletions scheduled by client reset and
// permission errors, backing the file up first when requested.
func performFileActions(store *metadata.Store, logger *slog.Logger) error {
	actions, err := store.All()
	if err != nil {
		return err
	}

	for path, action := range actions {
		if action.Action == metadata.ActionBackUpThenDeleteRealm {
			if err := copyFile(path, action.RecoveryPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("backing up realm before deletion",
					slog.String("path", path), slog.Any("error", err))

				continue
			}

			logger.Info("backed up realm",
				slog.String("path", path), slog.String("recovery_path", action.RecoveryPath))
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("deleting realm", slog.String("path", path), slog.Any("error", err))
			continue
		}

		logger.Info("deleted realm", slog.String("path", path))

		if err := store.Delete(path); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
