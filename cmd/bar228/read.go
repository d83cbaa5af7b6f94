package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bar228/session"
)

var readCmd = &cobra.Command{
	Use:   "read <device-address>",
	Short: "Take a single reading from a device",
	Long: `Runs one scan/connect/read cycle against a BAR228 device and prints the result.

Devices that broadcast measurements are read from their advertisement without connecting.

Examples:
  bar228 read C4:7C:8D:6A:12:34
  bar228 read C4:7C:8D:6A:12:34 --format json
  bar228 read C4:7C:8D:6A:12:34 --scan-timeout 1m --imperial`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readFormat         string
	readScanTimeout    time.Duration
	readConnectTimeout time.Duration
	readTimeout        time.Duration
	readNoDeviceInfo   bool
	readUnits          unitFlags
)

func init() {
	d := session.DefaultOptions()
	readCmd.Flags().StringVarP(&readFormat, "format", "f", "table", "Output format (table, json)")
	readCmd.Flags().DurationVar(&readScanTimeout, "scan-timeout", d.ScanTimeout, "How long to look for the device")
	readCmd.Flags().DurationVar(&readConnectTimeout, "connect-timeout", d.ConnectTimeout, "Connection timeout")
	readCmd.Flags().DurationVar(&readTimeout, "read-timeout", d.ReadTimeout, "How long to wait for a measurement once connected")
	readCmd.Flags().BoolVar(&readNoDeviceInfo, "no-device-info", false, "Skip reading hardware and firmware revisions")
	addUnitFlags(readCmd, &readUnits)
}

// noBackoff makes a one-shot cycle return as soon as it fails.
func noBackoff(context.Context, time.Duration) error { return nil }

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	if err := validateFormat(readFormat); err != nil {
		return err
	}
	fields, err := readUnits.fieldsOptions()
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	platform, err := platformFactory(logger)
	if err != nil {
		return err
	}

	opts := session.DefaultOptions()
	opts.Address = address
	opts.ScanTimeout = readScanTimeout
	opts.ConnectTimeout = readConnectTimeout
	opts.ReadTimeout = readTimeout
	opts.ReadDeviceInfo = !readNoDeviceInfo
	opts.Sleep = noBackoff

	s, err := session.New(platform, opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Reading %s", address), session.Scanning.String())
	s.OnTransition(func(t session.Transition) { progress.SetPhase(t.To.String()) })
	progress.Start()
	out := s.RunCycle(ctx)
	progress.Stop()

	if !out.OK() {
		return out.Err
	}
	return printReading(cmd.OutOrStdout(), readFormat, out.Identity, out.Reading, out.Info, fields)
}
