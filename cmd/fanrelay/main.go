package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/fanrelay/internal/config"
	"github.com/sheerbytes/fanrelay/internal/logging"
	"github.com/sheerbytes/fanrelay/internal/presence"
	"github.com/sheerbytes/fanrelay/internal/relay"
	"github.com/sheerbytes/fanrelay/internal/transport"
)

const serverVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fs := flag.NewFlagSet("fanrelay", flag.ContinueOnError)
	cfg, err := config.ParseServerConfig(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("fanrelay", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := presence.NewRegistry(cfg.Destinations, logger)
	r := relay.New(reg, relay.Options{
		ControllerName:   cfg.ControllerName,
		SnapshotInterval: cfg.SnapshotInterval,
		MsgsPerSec:       cfg.MsgsPerSec,
		MsgsBurst:        cfg.MsgsBurst,
		WS: transport.WSOptions{
			MaxMessageBytes: cfg.MaxMessageBytes,
			IdleTimeout:     cfg.WSIdleTimeout,
		},
		Logger: logger,
	})
	if cfg.SnapshotInterval > 0 {
		go r.Run(ctx)
	}

	if cfg.QUICAddr != "" {
		ln, err := transport.ListenQUIC(cfg.QUICAddr, transport.QUICOptions{}, logger)
		if err != nil {
			logger.Error("quic listen failed", "addr", cfg.QUICAddr, "error", err)
			os.Exit(1)
		}
		defer ln.Close()
		logger.Info("quic listening", "addr", ln.Addr().String())
		go func() {
			if err := r.ServeQUIC(ctx, ln); err != nil && ctx.Err() == nil {
				logger.Error("quic serve failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", cfg.Addr, "destinations", cfg.Destinations, "controller", cfg.ControllerName)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
