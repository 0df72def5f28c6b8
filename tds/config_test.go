package tds

import (
	"strings"
	"testing"
)

func TestConfigValidatePortInstanceExclusive(t *testing.T) {
	cfg := &Config{Server: "db1", Port: 1433, InstanceName: "SQLEXPRESS"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when both Port and InstanceName are set")
	}
}

func TestConfigValidatePortRange(t *testing.T) {
	cases := []struct {
		name string
		port int
		ok   bool
	}{
		{"zero", 0, false},
		{"negative", -1, false},
		{"too large", 65536, false},
		{"valid", 1433, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := &Config{Server: "db1", Port: c.port, PacketSize: DefaultPacketSize}
			err := cfg.Validate()
			if c.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !c.ok && err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestConfigValidateRequiresServer(t *testing.T) {
	cfg := &Config{Port: 1433}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when Server is empty")
	}
}

func TestConfigValidatePacketSizeRange(t *testing.T) {
	cfg := &Config{Server: "db1", Port: 1433, PacketSize: MinPacketSize - 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for packet size below minimum")
	}
	cfg.PacketSize = MaxPacketSize + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for packet size above maximum")
	}
}

func TestApplyDefaultsFillsZeroFields(t *testing.T) {
	cfg := &Config{Server: "db1", Port: 1433}
	cfg.applyDefaults()

	d := DefaultConfig()
	if cfg.PacketSize != d.PacketSize {
		t.Errorf("PacketSize = %d, want %d", cfg.PacketSize, d.PacketSize)
	}
	if cfg.TDSVersion != d.TDSVersion {
		t.Errorf("TDSVersion = %v, want %v", cfg.TDSVersion, d.TDSVersion)
	}
	if cfg.ConnectTimeout != d.ConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, d.ConnectTimeout)
	}
	if cfg.InstanceLookup == nil {
		t.Error("InstanceLookup should default to a non-nil lookup")
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to a non-nil logger")
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{Server: "db1", Port: 5555, PacketSize: 2048}
	cfg.applyDefaults()
	if cfg.Port != 5555 {
		t.Errorf("Port = %d, want 5555 (explicit value should not be overridden)", cfg.Port)
	}
	if cfg.PacketSize != 2048 {
		t.Errorf("PacketSize = %d, want 2048", cfg.PacketSize)
	}
}

func TestInitialSQLIncludesIsolationLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server = "db1"
	cfg.IsolationLevel = IsolationSerializable
	sql := cfg.initialSQL()
	if want := "set transaction isolation level serializable"; !strings.Contains(sql, want) {
		t.Errorf("initialSQL() = %q, want substring %q", sql, want)
	}
}
