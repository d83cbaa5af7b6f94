package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/publisher"
	"github.com/srg/bar228/scanner"
)

var validFormats = []string{"table", "json"}

func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.Faint)
	warnColor   = color.New(color.FgYellow)
)

// unitFlags are shared by commands that print readings.
type unitFlags struct {
	imperial  bool
	radonUnit string
	elevation float64
}

func (u unitFlags) fieldsOptions() (protocol.FieldsOptions, error) {
	radon, err := protocol.ParseRadonUnit(u.radonUnit)
	if err != nil {
		return protocol.FieldsOptions{}, err
	}
	return protocol.FieldsOptions{
		Units:     protocol.UnitPreference{Metric: !u.imperial, RadonUnit: radon},
		Elevation: u.elevation,
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printReading writes one reading as a table or as the MQTT state document.
func printReading(w io.Writer, format string, id protocol.DeviceIdentity, reading protocol.Reading, info protocol.DeviceInfo, fields protocol.FieldsOptions) error {
	if format == "json" {
		return writeJSON(w, publisher.NewStatePayload(id, &reading, info, fields))
	}

	label := id.String()
	if label == "" {
		label = "payload"
	}
	headerColor.Fprint(w, label)
	if id.Variant != protocol.VariantUnknown {
		labelColor.Fprintf(w, " [%s]", id.Variant)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !reading.Timestamp.IsZero() {
		fmt.Fprintf(tw, "  time\t%s\n", reading.Timestamp.Format(time.RFC3339))
	}
	if reading.Layout != "" {
		fmt.Fprintf(tw, "  layout\t%s\n", reading.Layout)
	}
	values := reading.Fields(fields)
	if values.Len() == 0 {
		fmt.Fprintln(tw, "  (no measurements present)")
	}
	for pair := values.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(tw, "  %s\t%s\n", pair.Key, pair.Value)
	}
	if info.HardwareRevision != "" {
		fmt.Fprintf(tw, "  hardware\t%s\n", info.HardwareRevision)
	}
	if info.FirmwareRevision != "" {
		fmt.Fprintf(tw, "  firmware\t%s\n", info.FirmwareRevision)
	}
	return tw.Flush()
}

// printDevices writes discovery results.
func printDevices(w io.Writer, format string, entries []scanner.DeviceEntry, fields protocol.FieldsOptions, now time.Time) error {
	if format == "json" {
		return writeJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No BAR228 devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tVARIANT\tRSSI\tSEEN\tLAST SEEN\tREADING")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, e := range entries {
		name := e.Identity.Name
		if name == "" {
			name = "-"
		}
		reading := "-"
		switch {
		case e.Reading != nil:
			reading = summarize(*e.Reading, fields)
		case e.DecodeErr != "":
			reading = warnColor.Sprint(e.DecodeErr)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%d\t%s ago\t%s\n",
			name, e.Identity.Address, e.Identity.Variant, e.RSSI, e.Seen,
			now.Sub(e.LastSeen).Truncate(time.Second), reading)
	}
	return tw.Flush()
}

func summarize(r protocol.Reading, fields protocol.FieldsOptions) string {
	var parts []string
	for pair := r.Fields(fields).Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, pair.Value.String())
	}
	return strings.Join(parts, ", ")
}
