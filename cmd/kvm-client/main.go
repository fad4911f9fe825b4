package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

	clientCfg, err := resolveClientConfig(cfg)
	if err != nil {
		log.Error("failed to resolve client config", "error", err)
		os.Exit(1)
	}

	cli := service.NewClient(clientCfg, service.ClientCollaborators{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to server", "host", clientCfg.Host, "port", clientCfg.Port, "version", version)
	cli.Run(ctx)
	log.Info("client stopped")
}

// resolveClientConfig loads clientCfg from -config when supplied, falling
// back to config.DefaultClientConfig with the host/port/hostname/ssl/
// log-level flags layered on top.
func resolveClientConfig(cli *cliConfig) (config.ClientConfig, error) {
	var clientCfg config.ClientConfig
	if cli.configPath != "" {
		loaded, err := config.LoadClient(cli.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		clientCfg = loaded
	} else {
		clientCfg = config.DefaultClientConfig()
		clientCfg.Host = cli.host
		clientCfg.Port = int(cli.port)
		clientCfg.SSL = cli.ssl
		clientCfg.LogLevel = cli.logLevel
		clientCfg.Hostname = cli.hostname
		clientCfg.MetricsAddr = cli.metricsAddr
	}
	if clientCfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			clientCfg.Hostname = h
		}
	}
	return clientCfg, nil
}
