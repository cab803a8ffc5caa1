package config

import "testing"

func TestLoadEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load(nil): %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Load(nil) = %+v, want defaults %+v", cfg, Default())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := []byte(`
guest_mem_mib: 1024
vcpu_count: 4
firmware: fdt
log_level: debug
`)
	cfg, err := Load(doc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GuestMemMiB != 1024 {
		t.Errorf("GuestMemMiB = %d, want 1024", cfg.GuestMemMiB)
	}
	if cfg.VCPUCount != 4 {
		t.Errorf("VCPUCount = %d, want 4", cfg.VCPUCount)
	}
	if cfg.Firmware != FirmwareFDT {
		t.Errorf("Firmware = %q, want %q", cfg.Firmware, FirmwareFDT)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadPartialDocumentFillsRemainingDefaults(t *testing.T) {
	cfg, err := Load([]byte("vcpu_count: 2\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VCPUCount != 2 {
		t.Errorf("VCPUCount = %d, want 2", cfg.VCPUCount)
	}
	if cfg.GuestMemMiB != defaultGuestMemMiB {
		t.Errorf("GuestMemMiB = %d, want default %d", cfg.GuestMemMiB, defaultGuestMemMiB)
	}
	if cfg.Firmware != FirmwareACPI {
		t.Errorf("Firmware = %q, want default %q", cfg.Firmware, FirmwareACPI)
	}
}

func TestLoadRejectsGuestMemTooSmall(t *testing.T) {
	if _, err := Load([]byte("guest_mem_mib: 1\n")); err == nil {
		t.Fatal("Load: expected an error for guest_mem_mib below the minimum")
	}
}

func TestLoadRejectsZeroVCPUCount(t *testing.T) {
	if _, err := Load([]byte("vcpu_count: 0\n")); err == nil {
		t.Fatal("Load: expected an error for vcpu_count: 0")
	}
}

func TestLoadRejectsExcessiveVCPUCount(t *testing.T) {
	if _, err := Load([]byte("vcpu_count: 65\n")); err == nil {
		t.Fatal("Load: expected an error for vcpu_count above the maximum")
	}
}

func TestLoadRejectsUnknownFirmware(t *testing.T) {
	if _, err := Load([]byte("firmware: pnp\n")); err == nil {
		t.Fatal("Load: expected an error for an unrecognized firmware value")
	}
}

func TestLoadFallsBackOnUnknownLogLevel(t *testing.T) {
	cfg, err := Load([]byte("log_level: trace\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want fallback %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load([]byte("guest_mem_mib: [this is not a number\n")); err == nil {
		t.Fatal("Load: expected an error for malformed YAML")
	}
}
