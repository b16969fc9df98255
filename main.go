package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"zher/server/internal/discovery"
	"zher/server/internal/httpapi"
	"zher/server/internal/state"
	"zher/server/internal/webapp"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "zher"
	app.Usage = "LAN file and message relay"
	app.ArgsUsage = "[host] [port]"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "room-code",
			Usage:  "preset six-digit admission code (turns admission checks on)",
			EnvVar: "ZHER_ROOM_CODE",
		},
		cli.BoolFlag{
			Name:   "no-discovery",
			Usage:  "start with UDP discovery replies disabled",
			EnvVar: "ZHER_NO_DISCOVERY",
		},
		cli.BoolFlag{
			Name:  "no-browser",
			Usage: "do not open the web client in a browser on startup",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging (auto-enabled for dev builds)",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// Auto-enable debug logging for dev builds; override with --debug flag.
	level := slog.LevelInfo
	if c.Bool("debug") || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	host, port, err := parseArgs(c.Args())
	if err != nil {
		return err
	}
	if code := c.String("room-code"); code != "" && !state.ValidRoomCode(code) {
		return fmt.Errorf("room code must be exactly six digits, got %q", code)
	}

	slog.Info("starting zher", "version", Version, "host", host, "port", port)

	// Everything else is pointless if the service port is taken, so bind
	// before wiring discovery or opening a browser.
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}

	url := serverURL(host, port)
	store := state.NewStore(url)
	if code := c.String("room-code"); code != "" {
		store.SetRoomCode(code)
		store.SetRoomCodeEnabled(true)
		slog.Info("room code admission enabled")
	}

	responder := discovery.New(fmt.Sprintf("0.0.0.0:%d", discovery.Port), port)
	responder.SetEnabled(!c.Bool("no-discovery"))
	if err := responder.Start(); err != nil {
		// Discovery is a convenience; the relay works without it.
		slog.Error("discovery responder failed to start", "err", err)
	}

	assets, err := webapp.New()
	if err != nil {
		return fmt.Errorf("load web client assets: %w", err)
	}

	server := httpapi.New(store, responder, assets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if isDesktopEnvironment() && !c.Bool("no-browser") {
		openBrowserLater(url)
	}

	slog.Info("listening", "addr", ln.Addr().String(), "url", url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, ln)
	})
	g.Go(func() error {
		state.RunJanitor(gctx, store, state.SweepInterval)
		return nil
	})
	g.Go(func() error {
		RunMetrics(gctx, store, metricsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		responder.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("zher stopped")
	return nil
}
