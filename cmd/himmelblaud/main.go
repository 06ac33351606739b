package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ItsAzM8/himmelblau/internal/config"
	"github.com/ItsAzM8/himmelblau/internal/daemon"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

func main() {
	log := log.InitLogs()

	configFile := flag.String("config", config.DefaultConfigFile, "path to the broker config file")
	socketPath := flag.String("socket", "", "override the shim socket path")
	metricsAddress := flag.String("metrics-address", "", "override the Prometheus listener address")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.LoadOrGenerate(*configFile)
	if err != nil {
		log.Fatalf("loading or generating config: %v", err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *metricsAddress != "" {
		cfg.MetricsAddress = *metricsAddress
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warningf("Unknown log level %q, keeping %s", cfg.LogLevel, log.GetLevel())
	}

	log.Infoln("starting himmelblau identity broker")
	defer log.Infoln("himmelblau identity broker stopped")

	log.Infoln("command line flags:")
	flag.CommandLine.VisitAll(func(flg *flag.Flag) {
		log.Infof("  %s=%s", flg.Name, flg.Value)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigShutdown
		signal.Stop(sigShutdown)
		log.Printf("Shutdown signal received (%v).", sig)
		cancel()
	}()

	if err := daemon.New(log, cfg).Run(ctx); err != nil {
		log.Fatalf("running identity broker: %v", err)
	}
}
