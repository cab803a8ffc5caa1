// Package config loads the small YAML boot-configuration document
// cmd/ahv/main.go needs before it can construct a guest: memory size,
// VCPU count, which firmware-table discovery path to prefer, and the log
// level for the ambient logger. This is a thin placeholder for the real,
// out-of-scope configuration loader spec.md section 1 describes as an
// external collaborator -- grounded on tinyrange-cc's site_config.go, the
// one repo in the corpus that reaches for gopkg.in/yaml.v3, translated
// from a filesystem-path loader into a loader over an already-read byte
// slice (the reference project has no config file on disk to read from;
// the document is embedded alongside the firmware image instead).
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FirmwareTable selects which of internal/acpi's two discovery paths
// main.go should use to find the GICD/GIC-ITS and PCI host bridges.
type FirmwareTable string

const (
	FirmwareACPI FirmwareTable = "acpi"
	FirmwareFDT  FirmwareTable = "fdt"
)

// Config is the boot-time configuration document.
type Config struct {
	// GuestMemMiB is the size, in MiB, of the primary guest's stage-2
	// identity-mapped memory region.
	GuestMemMiB uint64 `yaml:"guest_mem_mib"`
	// VCPUCount is the number of VCPUs vm.Start/StartSecondary bring up.
	VCPUCount uint32 `yaml:"vcpu_count"`
	// Firmware selects the ACPI or devicetree discovery path.
	Firmware FirmwareTable `yaml:"firmware"`
	// LogLevel is one of "debug", "info", "warn", "error"; unrecognized
	// values fall back to "info" rather than failing the load, since a
	// bad log level shouldn't keep a guest from booting.
	LogLevel string `yaml:"log_level"`
}

const (
	defaultGuestMemMiB = 512
	defaultVCPUCount   = 1
	defaultLogLevel    = "info"

	// minGuestMemMiB is small enough for a smoke-test guest, large enough
	// that a misconfigured value (0, or a typo missing a digit) fails
	// loudly at boot instead of producing a guest that can't fit its own
	// boot image.
	minGuestMemMiB = 16
	maxVCPUCount   = 64
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Default returns the configuration main.go falls back to when no
// boot-configuration document was supplied at all.
func Default() *Config {
	return &Config{
		GuestMemMiB: defaultGuestMemMiB,
		VCPUCount:   defaultVCPUCount,
		Firmware:    FirmwareACPI,
		LogLevel:    defaultLogLevel,
	}
}

// Load parses a YAML boot-configuration document, applies defaults to
// any field the document omits, and validates the result.
func Load(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}

	// Decode straight into cfg, which already carries the defaults:
	// yaml.v3 leaves omitted fields untouched on the destination, so
	// they keep their defaults, while a field present with value 0
	// overwrites its default. A document explicitly setting
	// guest_mem_mib or vcpu_count to 0 is then rejected by validation
	// below with a clear error rather than silently reinstating the
	// default.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing boot configuration: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if !validLogLevels[cfg.LogLevel] {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Firmware == "" {
		cfg.Firmware = FirmwareACPI
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GuestMemMiB < minGuestMemMiB {
		return fmt.Errorf("config: guest_mem_mib %d below minimum %d", c.GuestMemMiB, minGuestMemMiB)
	}
	if c.VCPUCount == 0 || c.VCPUCount > maxVCPUCount {
		return fmt.Errorf("config: vcpu_count %d out of range [1, %d]", c.VCPUCount, maxVCPUCount)
	}
	if c.Firmware != FirmwareACPI && c.Firmware != FirmwareFDT {
		return fmt.Errorf("config: firmware %q must be %q or %q", c.Firmware, FirmwareACPI, FirmwareFDT)
	}
	return nil
}
