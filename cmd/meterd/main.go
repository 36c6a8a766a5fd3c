package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traindesk/traindesk/internal/config"
	"github.com/traindesk/traindesk/internal/httpserver"
	"github.com/traindesk/traindesk/internal/logging"
	"github.com/traindesk/traindesk/internal/metering"
	meteringpg "github.com/traindesk/traindesk/internal/metering/postgres"
	meteringsql "github.com/traindesk/traindesk/internal/metering/sqlite"
	"github.com/traindesk/traindesk/internal/pricing"
	"github.com/traindesk/traindesk/internal/provider/loopback"
	"github.com/traindesk/traindesk/internal/version"
)

func main() {
	cfg, err := config.LoadMeterConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging when a log file is configured; mirror to stdout
	// for foreground runs.
	const maxLogBytes = int64(100 * 1024 * 1024) // 100MB
	if cfg.LogFile != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[meterd] ")
		defer rot.Close()
	}

	log.Printf("meterd starting %s env=%s store=%s", version.FullInfo(), cfg.Environment, cfg.StoreDriver)

	var store metering.Store
	switch cfg.StoreDriver {
	case "postgres":
		store, err = meteringpg.New(cfg.PostgresDSN)
	default:
		store, err = meteringsql.New(cfg.SQLitePath)
	}
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()

	rates := pricing.Table{}
	if cfg.PricingFile != "" {
		rates, err = pricing.Load(cfg.PricingFile)
		if err != nil {
			if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
				log.Printf("pricing file %s not found; cost audit fields will read 0", cfg.PricingFile)
				rates = pricing.Table{}
			} else {
				log.Fatalf("load pricing table: %v", err)
			}
		} else {
			log.Printf("pricing table loaded models=%d", len(rates))
		}
	}

	charger := metering.NewCharger(store, rates)
	charger.SetLogger(log.New(log.Writer(), "[meterd/charge] ", log.LstdFlags|log.Lmicroseconds))

	httpSrv := httpserver.New(store, charger, loopback.New(), cfg.DefaultGrant)
	httpSrv.SetLogger(log.New(log.Writer(), "[meterd/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s; shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("meterd stopped")
}
