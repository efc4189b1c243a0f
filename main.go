package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sohbet/internal/auth"
	"sohbet/internal/config"
	"sohbet/internal/http"
	"sohbet/internal/presence"
	"sohbet/internal/storage"
	"sohbet/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authConfig := auth.Config{
		Secret:        base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		AccessExpiry:  cfg.AccessExpiry,
		RefreshExpiry: cfg.RefreshExpiry,
	}

	authService, err := auth.NewAuthService(ctx, authConfig, store)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	hub := ws.NewHub()

	apiServer := http.NewAPIServer(authService, store, registry, hub, cfg.HistoryLimit, cfg.RoomMaxAge, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
