package poller

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval matches the device's native reporting cadence.
const DefaultInterval = 15 * time.Minute

// ParseSchedule accepts either a Go duration ("15m", "90s") or a standard
// five-field cron expression / descriptor ("*/15 * * * *", "@hourly").
// An empty expression yields DefaultInterval.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return cron.Every(DefaultInterval), nil
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("poll interval %s is shorter than one second", d)
		}
		return cron.ParseStandard("@every " + d.String())
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", expr, err)
	}
	return sched, nil
}
