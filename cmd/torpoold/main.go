// Command torpoold runs the anonymizing proxy-pool core: it loads a YAML
// config, starts the worker pool, and serves the HTTP load balancer until
// a shutdown signal arrives. Mirrors the teacher's thin flag-parsing
// cmd/docker-autofix/main.go shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"torpool/internal/config"
	"torpool/internal/integrator"
	"torpool/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torpoold: %v\n", err)
		return 1
	}

	log := logging.New(cfg.LogLevel, os.Stdout)
	log.Info().Str("config", configPath).Msg("starting torpoold")

	in := integrator.New(cfg, log)
	return in.Run(context.Background())
}
