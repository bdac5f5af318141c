// syncd is the development store daemon: it serves the synchronized store
// over websockets and sweeps abandoned rooms.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/samuel-1-avson/arcade-sync/internal/archive"
	"github.com/samuel-1-avson/arcade-sync/internal/config"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
	"github.com/samuel-1-avson/arcade-sync/internal/storeserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	var arch *archive.Archive
	if cfg.DatabaseURL != "" {
		arch, err = archive.Open(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("open archive", zap.Error(err))
		}
	}

	mem := store.NewMemory(logger)
	srv := storeserver.New(mem, logger)
	janitor := storeserver.NewJanitor(mem, cfg.RoomPrefixes, cfg.RoomTTL, cfg.JanitorInterval, arch, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("daemon exited", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
