package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"clawdash/internal/adapter/web"
	"clawdash/internal/infra/config"
	"clawdash/internal/infra/logger"
	"clawdash/internal/infra/tracer"
	"clawdash/internal/security"
	"clawdash/internal/usecase/eventbus"
	"clawdash/internal/usecase/hub"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "-v":
			fmt.Println("clawdash " + version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawdash - dashboard back end for a remote agent gateway

USAGE:
    clawdash [FLAGS]

FLAGS:
    -h, --help         Show this help message
    -v, --version      Print the version
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CLAWDASH_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with CLAWDASH_CONFIG_KEY

ENDPOINTS:
    GET  /api/events   Server-sent event stream of gateway events
    POST /api/rpc      Proxy an allow-listed RPC to the gateway
    GET  /healthz      Liveness plus gateway connection state`)
}

func run() error {
	// 1. Config. Missing file is not an error: defaults plus CLAWDASH_*
	// env vars are a complete configuration.
	cfgPath := configPath()

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Device identity
	signer, err := security.LoadOrCreateDeviceKey(cfg.Device.KeyFile)
	if err != nil {
		return fmt.Errorf("device key: %w", err)
	}

	// 4. Event bus & hub
	bus := eventbus.New(log)
	defer bus.Close()

	h := hub.New(hub.Options{
		Config:  cfg,
		Bus:     bus,
		Signer:  signer,
		Logger:  log,
		Version: version,
	})
	defer h.Close()

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bring the gateway connection up eagerly so the first browser does not
	// pay the handshake latency.
	if _, err := h.Get(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// 6. HTTP server
	srv := web.NewServer(cfg, h, version, log)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	log.Info("clawdash started",
		"version", version,
		"addr", srv.Addr(),
		"gateway", cfg.Gateway.URL,
		"device", signer.DeviceID(),
	)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	log.Info("clawdash stopped")
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CLAWDASH_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
