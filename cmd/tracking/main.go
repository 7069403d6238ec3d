package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-tracker/internal/config"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
	"github.com/ignite/campaign-tracker/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	handler := tracking.NewHandler(stubOptions(cfg.Stub, time.Now()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Stub.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("stub conversion-tracking API listening", "addr", srv.Addr, "installs", len(cfg.Stub.Installs))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down stub conversion-tracking API")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// stubOptions turns the fixture config into handler options. Click ages are
// resolved against start.
func stubOptions(cfg config.StubConfig, start time.Time) tracking.StubOptions {
	installs := make(map[string][]tracking.AdEvent, len(cfg.Installs))
	for rdid, clicks := range cfg.Installs {
		events := make([]tracking.AdEvent, 0, len(clicks))
		for _, c := range clicks {
			at := start.Add(-time.Duration(c.AgeHours * float64(time.Hour)))
			events = append(events, tracking.AdEvent{
				CampaignID:   c.CampaignID,
				CampaignName: c.CampaignName,
				AdGroupID:    c.AdGroupID,
				AdGroupName:  c.AdGroupName,
				Timestamp:    float64(at.UnixNano()) / float64(time.Second),
			})
		}
		installs[rdid] = events
	}

	return tracking.StubOptions{
		DevToken:       cfg.DevToken,
		ClockTolerance: cfg.ClockTolerance(),
		Installs:       installs,
		DeepLinks:      cfg.DeepLinks,
	}
}
