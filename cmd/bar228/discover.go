package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bar228/scanner"
)

var discoverCmd = &cobra.Command{
	Use:     "discover",
	Aliases: []string{"scan"},
	Short:   "Discover BAR228 devices in range",
	Long: `Scans for BAR228 devices and lists them, strongest signal first.

Devices that broadcast measurements show their latest advertised reading.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var (
	discoverDuration  time.Duration
	discoverFormat    string
	discoverAllowList []string
	discoverBlockList []string
	discoverUnits     unitFlags
)

func init() {
	discoverCmd.Flags().DurationVarP(&discoverDuration, "duration", "d", 10*time.Second, "Scan duration")
	discoverCmd.Flags().StringVarP(&discoverFormat, "format", "f", "table", "Output format (table, json)")
	discoverCmd.Flags().StringSliceVar(&discoverAllowList, "allow", nil, "Only show devices with these addresses")
	discoverCmd.Flags().StringSliceVar(&discoverBlockList, "block", nil, "Hide devices with these addresses")
	addUnitFlags(discoverCmd, &discoverUnits)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(discoverFormat); err != nil {
		return err
	}
	if discoverDuration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", discoverDuration)
	}
	fields, err := discoverUnits.fieldsOptions()
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
	s, err := scanner.NewScanner(platform, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(os.Stderr, "Scanning for BAR228 devices", "0 found")
	found := 0
	progress.Start()
	entries, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:  discoverDuration,
		AllowList: discoverAllowList,
		BlockList: discoverBlockList,
	}, func(ev scanner.DeviceEvent) {
		if ev.Type == scanner.EventNew {
			found++
			progress.SetPhase(fmt.Sprintf("%d found", found))
		}
	})
	progress.Stop()
	if err != nil {
		return err
	}
	return printDevices(cmd.OutOrStdout(), discoverFormat, entries, fields, time.Now())
}
