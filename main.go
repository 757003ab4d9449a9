package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"go.uber.org/zap"

	"github.com/dominikbayerl/go-nspirelink/bridge"
	"github.com/dominikbayerl/go-nspirelink/config"
	"github.com/dominikbayerl/go-nspirelink/emulator"
	nsfuse "github.com/dominikbayerl/go-nspirelink/fusefs"
	"github.com/dominikbayerl/go-nspirelink/logging"
	"github.com/dominikbayerl/go-nspirelink/metrics"
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/server"
	"github.com/dominikbayerl/go-nspirelink/shim"
	"github.com/dominikbayerl/go-nspirelink/types"
)

const usage = `Usage: nspirelink [flags] serve
       nspirelink [flags] mount <mountpoint>`

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file.")
	listen := flag.String("listen", "", "websocket listen address, overrides the configuration.")
	debug := flag.Bool("debug", false, "print debugging messages.")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error loading configuration: %v\n", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *debug {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}
	if err := logging.Init(cfg.Log); err != nil {
		log.Fatalf("error initializing logger: %v\n", err)
	}
	defer logging.Sync()

	if err := run(cfg, flag.Args(), *debug); err != nil {
		logging.L().Error("nspirelink failed", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, args []string, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, logging.L())

	shim.Install(nil)
	calc, err := newCalculator(cfg.Emulator)
	if err != nil {
		return err
	}

	switch args[0] {
	case "serve":
		return serve(ctx, cfg, calc)
	case "mount":
		if len(args) < 2 {
			return fmt.Errorf("mount: missing mountpoint\n%s", usage)
		}
		return mount(ctx, cfg, calc, args[1], debug)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func newCalculator(cfg config.Emulator) (*emulator.Calculator, error) {
	var seed fs.FS
	if cfg.SeedDir != "" {
		seed = os.DirFS(cfg.SeedDir)
	}
	calc, err := emulator.New(seed,
		emulator.WithProductID(cfg.ProductID),
		emulator.WithName(cfg.Name),
		emulator.WithStorage(uint64(cfg.Storage)),
	)
	if err != nil {
		return nil, fmt.Errorf("error seeding emulator from %q: %w", cfg.SeedDir, err)
	}
	return calc, nil
}

func serve(ctx context.Context, cfg config.Config, calc *emulator.Calculator) error {
	logger := logging.WithContext(ctx)

	srv := server.New(calc, calc, server.Options{
		OriginPatterns: cfg.OriginPatterns,
		MaxMessage:     int64(cfg.MaxMessage),
		MaxRead:        uint32(cfg.MaxRead),
		OutboxSize:     cfg.OutboxSize,
		ProgressWindow: cfg.ProgressWindow,
		Allowed:        cfg.Allowed,
	}, logger.Named("server"))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 2)
	go func() { errc <- httpSrv.ListenAndServe() }()
	logger.Info("listening", zap.String("addr", cfg.Listen), zap.Stringer("max_message", cfg.MaxMessage))

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() { errc <- metricsSrv.ListenAndServe() }()
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsListen))
	}

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	if serr := httpSrv.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func mount(ctx context.Context, cfg config.Config, calc *emulator.Calculator, mountpoint string, debug bool) error {
	logger := logging.WithContext(ctx).Named("fuse")

	progress := bridge.NotifierFunc(func(u types.ProgressUpdate) {
		logger.Debug("transfer progress",
			zap.String("remaining", humanize.IBytes(uint64(u.Remaining))),
			zap.String("total", humanize.IBytes(uint64(u.Total))))
	})
	id := bridge.DeviceID{VendorID: nspire.VendorID, ProductID: cfg.Emulator.ProductID}
	session, err := bridge.Open(calc, calc, id, 0, progress,
		bridge.WithWindow(cfg.ProgressWindow),
		bridge.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer session.Close()

	opts := &fusefs.Options{}
	opts.Debug = debug
	fsrv, err := fusefs.Mount(mountpoint, nsfuse.NewFuseFS(session, logger), opts)
	if err != nil {
		return fmt.Errorf("mount fail: %w", err)
	}
	logger.Info("mounted", zap.String("mountpoint", mountpoint), zap.Stringer("device", id))

	go func() {
		<-ctx.Done()
		if err := fsrv.Unmount(); err != nil {
			logger.Warn("unmount failed", zap.Error(err))
		}
	}()
	fsrv.Wait()
	return nil
}
