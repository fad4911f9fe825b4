package main

import (
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// config.ClientConfig so main.go can validate and map.
type cliConfig struct {
	configPath  string
	host        string
	port        uint
	hostname    string
	ssl         bool
	logLevel    string
	metricsAddr string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("kvm-client", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "Path to client config JSON (overrides defaults when present)")
	fs.StringVar(&cfg.host, "host", "", "Server host to connect to (required unless set via -config)")
	fs.UintVar(&cfg.port, "port", 55655, "Server TCP port")
	fs.StringVar(&cfg.hostname, "hostname", "", "This client's declared hostname (defaults to os.Hostname)")
	fs.BoolVar(&cfg.ssl, "ssl", false, "Request TLS upgrade of secondary streams")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Listen address for the /metrics debug endpoint (empty disables it)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.configPath == "" && cfg.host == "" {
		return nil, fmt.Errorf("-host is required unless -config is supplied")
	}
	if cfg.port == 0 || cfg.port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535")
	}
	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	return cfg, nil
}
