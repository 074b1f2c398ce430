// Package main runs the device agent: the local document store, the sync
// engine draining the queue against the remote authority, and the
// collaboration/annotation HTTP surface on the device loopback address.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fieldops/sitesync/cmd/agent/handlers"
	"github.com/fieldops/sitesync/internal/annotations"
	"github.com/fieldops/sitesync/internal/authority"
	"github.com/fieldops/sitesync/internal/collab"
	"github.com/fieldops/sitesync/internal/config"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/store"
	syncengine "github.com/fieldops/sitesync/internal/sync"
)

func main() {
	cfg := config.Load()
	logging.Init(os.Stdout, logrus.InfoLevel)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open local store", err, map[string]interface{}{
			"data_dir": cfg.DataDir,
		})
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)

	// Connectivity: assume offline until the prober sees the authority.
	onlineSig := syncengine.NewManualSignal(false)
	prober := syncengine.NewProber(onlineSig, cfg.AuthorityURL+"/healthz", 15*time.Second)

	remote := authority.NewClient(cfg.AuthorityURL, 30*time.Second)
	engine := syncengine.New(st, remote, onlineSig, syncengine.Options{
		BackoffBase:    cfg.BackoffBase,
		BackoffCeiling: cfg.BackoffCeiling,
		RetryCeiling:   cfg.RetryCeiling,
		FlushParallel:  cfg.FlushParallel,
	})
	scheduler := syncengine.NewScheduler(engine, onlineSig, cfg.SyncInterval)

	bus := collab.NewLocalBus()
	tracker := collab.NewTracker(cfg.HeartbeatWindow)
	hub := collab.NewHub(st, bus, tracker, cfg.JWTSecret)

	overlay := annotations.New(db, st, bus)

	docs := handlers.NewDocumentHandler(st, engine, cfg.JWTSecret)
	syncH := handlers.NewSyncHandler(engine, onlineSig)
	annoH := handlers.NewAnnotationHandler(overlay, cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/documents", docs.List)
	mux.HandleFunc("GET /api/documents/{id}", docs.Get)
	mux.HandleFunc("POST /api/documents/{id}/mutations", docs.Mutate)
	mux.HandleFunc("GET /api/documents/{id}/versions", docs.History)
	mux.HandleFunc("POST /api/documents/{id}/rollback", docs.Rollback)
	mux.HandleFunc("GET /api/documents/{id}/conflict", docs.Conflict)
	mux.HandleFunc("POST /api/documents/{id}/resolve", docs.Resolve)
	mux.HandleFunc("POST /api/documents/{id}/refresh", docs.Refresh)

	mux.HandleFunc("GET /api/sync/status", syncH.Status)
	mux.HandleFunc("POST /api/sync/flush", syncH.Flush)
	mux.HandleFunc("POST /api/sync/online", syncH.SetOnline)

	mux.HandleFunc("GET /api/documents/{id}/comments", annoH.ListComments)
	mux.HandleFunc("POST /api/documents/{id}/comments", annoH.AddComment)
	mux.HandleFunc("POST /api/comments/{id}/resolve", annoH.ResolveComment)
	mux.HandleFunc("GET /api/documents/{id}/suggestions", annoH.ListSuggestions)
	mux.HandleFunc("POST /api/documents/{id}/suggestions", annoH.AddSuggestion)
	mux.HandleFunc("POST /api/suggestions/{id}/accept", annoH.AcceptSuggestion)
	mux.HandleFunc("POST /api/suggestions/{id}/reject", annoH.RejectSuggestion)

	mux.HandleFunc("GET /ws/documents/{id}", hub.ServeWS)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sitesync-agent"}`))
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(ctx, bus)
		return nil
	})
	g.Go(func() error {
		prober.Run(ctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(ctx)
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		logging.Info("agent listening", map[string]interface{}{
			"addr":      cfg.ListenAddr,
			"authority": cfg.AuthorityURL,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("agent exited", err, nil)
		os.Exit(1)
	}
	logging.Info("agent stopped", nil)
}
