package config

import (
	"fmt"
	"strings"
)

const (
	DeviceAuto  = "auto"
	DeviceHost  = "host"
	DeviceAccel = "accel"
)

// NormalizeDevice canonicalizes a runtime.device value. Empty selects auto.
func NormalizeDevice(raw string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(raw))
	if device == "" {
		device = DeviceAuto
	}
	switch device {
	case DeviceAuto, DeviceHost, DeviceAccel:
		return device, nil
	case "cpu":
		return DeviceHost, nil
	case "gpu", "cuda", "parallel":
		return DeviceAccel, nil
	default:
		return "", fmt.Errorf(
			"invalid device %q (expected %s|%s|%s)",
			raw,
			DeviceAuto,
			DeviceHost,
			DeviceAccel,
		)
	}
}
