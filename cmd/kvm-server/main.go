package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvmfabric/kvmfabric/internal/config"
	"github.com/kvmfabric/kvmfabric/internal/fabric/service"
	"github.com/kvmfabric/kvmfabric/internal/logger"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	serverCfg, err := resolveServerConfig(cfg)
	if err != nil {
		log.Error("failed to resolve server config", "error", err)
		os.Exit(1)
	}

	srv := service.NewServer(serverCfg, service.ServerCollaborators{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Run binds the listener asynchronously; give it a moment before
	// logging the address operators need for cert sharing / firewalling.
	time.Sleep(50 * time.Millisecond)
	if addr := srv.Addr(); addr != nil {
		log.Info("server started", "addr", addr.String(), "version", version)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// resolveServerConfig loads serverCfg from -config when supplied, falling
// back to config.DefaultServerConfig with the host/port/cert-share-port/
// log-level flags layered on top.
func resolveServerConfig(cli *cliConfig) (config.ServerConfig, error) {
	var serverCfg config.ServerConfig
	if cli.configPath != "" {
		loaded, err := config.LoadServer(cli.configPath)
		if err != nil {
			return config.ServerConfig{}, err
		}
		serverCfg = loaded
	} else {
		serverCfg = config.DefaultServerConfig()
		serverCfg.Host = cli.listenAddr
		serverCfg.Port = int(cli.port)
		serverCfg.CertSharePort = int(cli.certShare)
		serverCfg.LogLevel = cli.logLevel
		serverCfg.MetricsAddr = cli.metricsAddr
	}
	return serverCfg, nil
}
