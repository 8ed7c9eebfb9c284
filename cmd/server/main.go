package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/client"
	"github.com/nicktill/exportd/pkg/config"
	"github.com/nicktill/exportd/pkg/export"
	"github.com/nicktill/exportd/pkg/httpx"
	"github.com/nicktill/exportd/pkg/jobs"
	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/storage/badger"
)

var startTime = time.Now()

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(startTime).String(),
	})
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	log := logging.Component("server")

	if err := cfg.InitStoragePaths(); err != nil {
		log.WithError(err).Fatal("failed to initialize storage paths")
	}

	store, err := badger.New(badger.Config{Path: cfg.DBPath})
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata store")
	}
	defer store.Close()
	log.WithField("path", cfg.DBPath).Info("metadata store opened")

	auth := client.NewAuthClient(cfg.AuthAPIURL, cfg.ClientID, cfg.ClientSecret,
		config.TokenRefreshMargin, config.ClientTimeout)
	api := client.New(cfg.QueryAPIURL, cfg.RegistryAPIURL, cfg.UserID, cfg.TimeFormat,
		auth, config.ClientTimeout)

	exporter := export.New(api, export.Config{
		DataPath:    cfg.DataPath,
		TmpPath:     cfg.TmpPath,
		TimeFormat:  cfg.TimeFormat,
		StartYear:   cfg.StartYear,
		ChunkSize:   cfg.ChunkSize,
		Compression: cfg.Compression,
	})

	// Clear chunk debris a previous crash may have left behind.
	exporter.PurgeTmp(nil)

	hub := jobs.NewHub()
	scheduler := jobs.NewScheduler(store, exporter, jobs.Config{
		MaxJobs:       cfg.MaxJobs,
		CheckInterval: cfg.CheckInterval,
	}, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	dataHandler := export.NewHandler(store, exporter)
	jobsHandler := jobs.NewHandler(scheduler, store, hub)

	router := mux.NewRouter()
	api1 := router.PathPrefix("/v1").Subrouter()
	api1.HandleFunc("/data", dataHandler.HandleList).Methods("GET")
	api1.HandleFunc("/data", dataHandler.HandleCreate).Methods("POST")
	api1.HandleFunc("/data/{source_id}", dataHandler.HandleGet).Methods("GET")
	api1.HandleFunc("/data/{source_id}", dataHandler.HandleDelete).Methods("DELETE")
	api1.HandleFunc("/data/{source_id}/file", dataHandler.HandleFile).Methods("GET")
	api1.HandleFunc("/jobs", jobsHandler.HandleCreate).Methods("POST")
	api1.HandleFunc("/jobs", jobsHandler.HandleList).Methods("GET")
	api1.HandleFunc("/jobs/ws", jobsHandler.HandleWebSocket).Methods("GET")
	api1.HandleFunc("/jobs/{job_id}", jobsHandler.HandleGet).Methods("GET")
	api1.HandleFunc("/health", handleHealth).Methods("GET")

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: config.ServerReadTimeout,
		// No write timeout: artifact downloads may stream for a long time.
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	// Stop background loops before draining HTTP connections; running
	// exports fail with a context error and their jobs stay unfinished
	// (exports are not resumable, callers must resubmit).
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("background tasks stopped")
	case <-time.After(5 * time.Second):
		log.Warn("background tasks did not stop in time")
	}

	logrus.Info("exportd exited cleanly")
}
