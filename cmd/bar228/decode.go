package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/bar228/protocol"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex-payload>",
	Short: "Decode a captured payload",
	Long: `Decodes a raw BAR228 payload without touching Bluetooth.

For advertisement payloads pass the bytes that follow the company identifier
in the manufacturer data. For GATT frames pass the measurement characteristic value.

Examples:
  # GATT measurement frame
  bar228 decode 30000bd7000041000f27

  # Advertisement payload, separators are allowed
  bar228 decode --variant adv "01 e8 00 2a 00"

  # Imperial units as JSON
  bar228 decode --imperial --radon-unit pci/l --format json 30000bd7000041000f27`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var (
	decodeVariant string
	decodeFormat  string
	decodeUnits   unitFlags
)

func init() {
	decodeCmd.Flags().StringVar(&decodeVariant, "variant", "gatt", "Payload variant (gatt, adv)")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "table", "Output format (table, json)")
	addUnitFlags(decodeCmd, &decodeUnits)
}

func addUnitFlags(cmd *cobra.Command, u *unitFlags) {
	cmd.Flags().BoolVar(&u.imperial, "imperial", false, "Show temperature in °F and pressure in inHg")
	cmd.Flags().StringVar(&u.radonUnit, "radon-unit", string(protocol.RadonBecquerel), "Radon unit (bq/m3, pci/l)")
	cmd.Flags().Float64Var(&u.elevation, "elevation", 0, "Elevation in metres for sea-level pressure")
}

// parseHexPayload accepts plain hex plus common separators and an optional 0x prefix.
func parseHexPayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("payload is empty")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	if err := validateFormat(decodeFormat); err != nil {
		return err
	}
	variant, err := protocol.ParseVariant(decodeVariant)
	if err != nil {
		return err
	}
	fields, err := decodeUnits.fieldsOptions()
	if err != nil {
		return err
	}
	payload, err := parseHexPayload(args[0])
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	id := protocol.DeviceIdentity{Variant: variant}
	reading, err := protocol.Decode(payload, id)
	if err != nil {
		return err
	}
	return printReading(cmd.OutOrStdout(), decodeFormat, id, reading, protocol.DeviceInfo{}, fields)
}
