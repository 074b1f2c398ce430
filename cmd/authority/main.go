// Package main runs the reference document authority: the versioned arbiter
// that field devices flush their queued mutations against. Postgres-backed
// when SITESYNC_POSTGRES_DSN is set, in-memory otherwise.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldops/sitesync/internal/authority"
	"github.com/fieldops/sitesync/internal/config"
	"github.com/fieldops/sitesync/internal/logging"
)

func main() {
	cfg := config.Load()
	logging.Init(os.Stdout, logrus.InfoLevel)

	var repo authority.Repo
	if cfg.PostgresDSN != "" {
		db, err := authority.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			logging.Error("failed to connect to postgres", err, nil)
			os.Exit(1)
		}
		defer db.Close()
		pg := authority.NewPostgresRepo(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			logging.Error("failed to ensure schema", err, nil)
			os.Exit(1)
		}
		repo = pg
		logging.Info("authority using postgres", nil)
	} else {
		repo = authority.NewMemoryRepo()
		logging.Info("authority using in-memory repository", nil)
	}

	svc := authority.NewService(repo)
	server := &http.Server{
		Addr:    cfg.AuthorityListenAddr,
		Handler: authority.Handler(svc),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Info("authority listening", map[string]interface{}{
		"addr": cfg.AuthorityListenAddr,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("authority exited", err, nil)
		os.Exit(1)
	}
	logging.Info("authority stopped", nil)
}
