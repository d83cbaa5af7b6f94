package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bar228/pkg/config"
	"github.com/srg/bar228/poller"
	"github.com/srg/bar228/publisher"
	"github.com/srg/bar228/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll a device on a schedule and publish readings",
	Long: `Polls one BAR228 device until interrupted.

Each poll runs a full scan/connect/read cycle. Failed cycles back off
exponentially and mark the device unavailable after the configured number of
consecutive failures. Readings are logged, and published to MQTT when a broker is configured.

Examples:
  bar228 run --config /etc/bar228.yaml
  bar228 run --address C4:7C:8D:6A:12:34 --poll-interval 5m --mqtt-broker tcp://localhost:1883`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runConfigPath   string
	runAddress      string
	runPollInterval string
	runMQTTBroker   string
)

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to YAML configuration file")
	runCmd.Flags().StringVarP(&runAddress, "address", "a", "", "Device address (overrides config)")
	runCmd.Flags().StringVar(&runPollInterval, "poll-interval", "", "Poll interval or cron expression (overrides config)")
	runCmd.Flags().StringVar(&runMQTTBroker, "mqtt-broker", "", "MQTT broker URL (overrides config)")
}

// loadRunConfig merges the config file with command-line overrides.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if runConfigPath != "" {
		var err error
		if cfg, err = config.Load(runConfigPath); err != nil {
			return nil, err
		}
	}
	if runAddress != "" {
		cfg.Address = runAddress
	}
	if runPollInterval != "" {
		cfg.PollInterval = runPollInterval
	}
	if runMQTTBroker != "" {
		cfg.MQTT.Broker = runMQTTBroker
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	if logLevelOverridden(cmd) {
		if logger, err = configureLogger(cmd, logrus.InfoLevel); err != nil {
			return err
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	platform, err := platformFactory(logger)
	if err != nil {
		return err
	}
	s, err := session.New(platform, cfg.SessionOptions(), logger)
	if err != nil {
		return err
	}

	sinks := publisher.Multi{publisher.NewLog(cfg.FieldsOptions(), logger)}
	if cfg.MQTTEnabled() {
		mqttSink, err := publisher.NewMQTT(cfg.MQTT, cfg.FieldsOptions(), logger)
		if err != nil {
			return err
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}

	popts, err := cfg.PollerOptions(sinks)
	if err != nil {
		return err
	}
	coord := poller.New(s, popts, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"address":       cfg.Address,
		"poll_interval": cfg.PollInterval,
		"mqtt":          cfg.MQTTEnabled(),
	}).Info("Starting BAR228 poller")

	if err := coord.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	logger.Info("Shutting down...")
	coord.Stop()
	return nil
}
