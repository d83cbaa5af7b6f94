package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	goble "github.com/srg/bar228/internal/device/go-ble"
)

// platformFactory opens the host BLE adapter (can be overridden in tests)
var platformFactory = func(logger *logrus.Logger) (device.Platform, error) {
	return goble.NewPlatform(logger)
}
