// Command l7waf wires the pipeline to a real data-plane HTTP listener and a
// separate admin API listener, per SPEC_FULL.md section 1's "cmd/l7waf entry
// point" addition. Structured logging, config loading, and SIGHUP reload
// follow the same idioms the example pack uses for standalone WAF proxies
// (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/l7waf/internal/admin"
	"github.com/astracat2022/l7waf/internal/audit"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/ipreputation"
	"github.com/astracat2022/l7waf/internal/pipeline"
	"github.com/astracat2022/l7waf/internal/risk"
	"github.com/astracat2022/l7waf/internal/rules"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration document")
	dev := flag.Bool("dev", false, "use a human-readable console logger instead of JSON production logging")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "l7waf: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ipRep := ipreputation.NewEngine()
	riskTracker := risk.NewTracker(time.Hour, 30*time.Minute)
	stats := audit.NewStats()
	ring := audit.NewRing(10000)
	ruleStore := rules.NewStore()

	pl, err := pipeline.New(doc, ipRep, riskTracker, stats, ring, logger)
	if err != nil {
		logger.Fatal("build pipeline", zap.Error(err))
	}
	defer pl.Stop()

	dataSrv := newDataPlaneServer(doc, pl, logger)
	adminSrv := &http.Server{
		Addr:    doc.Admin.Listen,
		Handler: admin.NewServer(doc, pl, stats, ring, ruleStore, version, logger).Handler(),
	}

	go func() {
		logger.Info("admin api listening", zap.String("addr", doc.Admin.Listen))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api server stopped", zap.Error(err))
		}
	}()

	go reloadOnSIGHUP(*configPath, pl, logger)

	go func() {
		logger.Info("data plane listening", zap.String("addr", doc.Server.Listen))
		var err error
		if doc.Server.TLSCertFile != "" && doc.Server.TLSKeyFile != "" {
			err = dataSrv.ListenAndServeTLS(doc.Server.TLSCertFile, doc.Server.TLSKeyFile)
		} else {
			err = dataSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("data plane server stopped", zap.Error(err))
		}
	}()

	waitForShutdown(logger, dataSrv, adminSrv)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// reloadOnSIGHUP re-reads the configuration document and atomically reloads
// the pipeline every time the process receives SIGHUP, mirroring the
// example pack's standalone-proxy convention of manual reload via signal
// rather than a filesystem watcher.
func reloadOnSIGHUP(configPath string, pl *pipeline.Pipeline, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	for range sigCh {
		logger.Info("received SIGHUP, reloading configuration", zap.String("path", configPath))
		doc, err := config.Load(configPath)
		if err != nil {
			logger.Error("config reload: load failed", zap.Error(err))
			continue
		}
		if err := pl.Reload(doc); err != nil {
			logger.Error("config reload rejected", zap.Error(err))
			continue
		}
		logger.Info("configuration reloaded")
	}
}

func waitForShutdown(logger *zap.Logger, servers ...*http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
