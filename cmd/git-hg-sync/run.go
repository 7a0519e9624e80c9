package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mozilla-conduit/git-hg-sync/internal/app"
	"github.com/mozilla-conduit/git-hg-sync/internal/config"
	"github.com/mozilla-conduit/git-hg-sync/internal/dispatcher"
	"github.com/mozilla-conduit/git-hg-sync/internal/health"
	"github.com/mozilla-conduit/git-hg-sync/internal/ledger"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync service",
	Long:  `Connect to the broker and process push events until a shutdown signal is received.`,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("one-shot", false, "process a single message then exit")
	runCmd.Flags().String("health-addr", ":8080", "address for the health and metrics endpoints")
	runCmd.Flags().String("pid-file", "/var/run/git-hg-sync.pid", "path to write the process PID file")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	oneShot, _ := cmd.Flags().GetBool("one-shot")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	pidFile, _ := cmd.Flags().GetString("pid-file")

	cfg, err := config.FromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ledgerDB, err := ledger.Open(filepath.Join(cfg.Clones.Directory, "ledger.db"))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledgerDB.Close()

	application := app.New(cfg, ledgerDB)

	if err := dispatcher.WritePIDFile(pidFile); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	d := dispatcher.New(dispatcher.Config{
		AMQPURL:    pulseAMQPURL(cfg.Pulse),
		Exchange:   cfg.Pulse.Exchange,
		RoutingKey: cfg.Pulse.RoutingKey,
		Queue:      cfg.Pulse.Queue,
		Heartbeat:  time.Duration(cfg.Pulse.Heartbeat) * time.Second,
		OneShot:    oneShot,
		PIDFile:    pidFile,
	}, application.HandlePush)

	if err := d.Connect(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthServer := health.NewServer(healthAddr)
	healthErrCh := make(chan error, 1)
	go func() { healthErrCh <- healthServer.Run(ctx) }()

	logger := log.WithComponent("main")
	logger.Info().Str("queue", cfg.Pulse.Queue).Msg("starting consume loop")

	runErr := d.Run(ctx)
	cancel()
	if healthErr := <-healthErrCh; healthErr != nil {
		logger.Warn().Err(healthErr).Msg("health server stopped with error")
	}
	return runErr
}

func pulseAMQPURL(p config.PulseConfig) string {
	scheme := "amqp"
	if p.SSL {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/", scheme, p.UserID, p.Password, p.Host, p.Port)
}
