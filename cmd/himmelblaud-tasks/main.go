package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ItsAzM8/himmelblau/internal/config"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
	"github.com/ItsAzM8/himmelblau/internal/tasks"
	"github.com/ItsAzM8/himmelblau/pkg/executer"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// The task executor runs separately from the broker so the broker never
// needs the privileges that home-directory and group provisioning require.
func main() {
	logger := log.InitLogs()

	configFile := flag.String("config", config.DefaultConfigFile, "path to the broker config file")
	socketPath := flag.String("socket", "", "override the tasks socket path")
	flag.Parse()

	cfg, err := config.LoadOrGenerate(*configFile)
	if err != nil {
		logger.Fatalf("loading or generating config: %v", err)
	}
	if *socketPath != "" {
		cfg.TasksSocketPath = *socketPath
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infoln("starting himmelblau task executor")
	defer logger.Infoln("himmelblau task executor stopped")

	provisioner := tasks.NewProvisioner(
		executer.NewCommonExecuter(),
		log.NewPrefixLoggerFrom(logger, "provisioner"),
		tasks.WithSkelDir(cfg.SkelDir),
		tasks.WithPolicyDir(cfg.PolicyDir),
	)
	service := tasks.NewService(provisioner, log.NewPrefixLoggerFrom(logger, "tasks"))

	// only root (the broker daemon) may submit provisioning requests
	auth := &ipc.PeerAuth{AllowedUIDs: []uint32{0}}
	server := ipc.NewServer(cfg.TasksSocketPath, 0600, auth, service, log.NewPrefixLoggerFrom(logger, "ipc"))
	if err := server.Listen(); err != nil {
		logger.Fatalf("binding tasks socket: %v", err)
	}
	logger.Infof("Listening on %s", cfg.TasksSocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigShutdown
		signal.Stop(sigShutdown)
		logger.Printf("Shutdown signal received (%v).", sig)
		cancel()
	}()

	if err := server.Serve(ctx); err != nil {
		logger.Fatalf("running task executor: %v", err)
	}
}
