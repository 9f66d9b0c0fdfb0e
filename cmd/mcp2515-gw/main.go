package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
	"github.com/kstaniek/go-mcp2515-gateway/internal/server"
	"github.com/kstaniek/go-mcp2515-gateway/internal/socketcan"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion, err := parseConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if showVersion {
		fmt.Printf("mcp2515-gw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcp2515-gw:", err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l, nil); err != nil {
		l.Error("gateway_exit", "error", err)
		stop()
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}

// run brings the controller up and serves until ctx ends or a component
// fails. onListen, if set, receives the bound TCP address.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger, onListen func(addr string)) error {
	h := initHub(cfg, l)
	lk, err := openLink(cfg, l)
	if err != nil {
		return err
	}
	eg, gctx := errgroup.WithContext(ctx)

	var mirror *socketcan.Mirror
	if cfg.mirrorIf != "" {
		dev, err := socketcan.Open(cfg.mirrorIf)
		if err != nil {
			_ = lk.close()
			return fmt.Errorf("mirror %s: %w", cfg.mirrorIf, err)
		}
		mirror = socketcan.NewMirror(gctx, dev, cfg.txQueue)
		defer func() { _ = mirror.Close() }()
		l.Info("mirror_open", "iface", cfg.mirrorIf)
	}

	gw := newGateway(gctx, cfg, lk, h, mirror, l)
	defer func() {
		if err := gw.close(); err != nil {
			l.Warn("backend_close_error", "error", err)
		}
	}()
	if err := gw.bringUp(); err != nil {
		return err
	}

	srv := server.New(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSink(gw),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return gctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	eg.Go(func() error { return srv.Serve(gctx) })
	eg.Go(func() error { return gw.runErrors(gctx) })
	eg.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, l) })
	if mirror != nil {
		eg.Go(func() error { return mirror.Run(gctx, gw) })
	}
	eg.Go(func() error {
		select {
		case <-srv.Ready():
		case <-gctx.Done():
			return nil
		}
		if onListen != nil {
			onListen(srv.Addr())
		}
		if cfg.mdnsEnable {
			advertise(gctx, cfg, srv.Addr(), l)
		}
		if cfg.selftest {
			if err := gw.selftest(); err != nil {
				l.Warn("selftest_error", "error", err)
			}
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

func advertise(ctx context.Context, cfg *appConfig, addr string, l *slog.Logger) {
	port, err := listenPort(addr)
	if err != nil {
		l.Warn("mdns_port_error", "addr", addr, "error", err)
		return
	}
	if err := startMDNS(ctx, cfg, port); err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "port", port)
}
