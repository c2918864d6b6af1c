package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/turntable.report/internal/serialmux"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != ":8080" {
		t.Errorf("listen default = %q, want :8080", *listen)
	}
	if *serialMode != serialmux.DefaultPortMode {
		t.Errorf("serial default = %q, want %q", *serialMode, serialmux.DefaultPortMode)
	}
	if *unitsFlag != "rpm" {
		t.Errorf("units default = %q, want rpm", *unitsFlag)
	}
	if *disableDevice || *emulate || *versionFlag || *debugFlag {
		t.Error("boolean flags should default to false")
	}
	if *mqttBroker != "" {
		t.Errorf("MQTT should be off by default, got broker %q", *mqttBroker)
	}
}

func TestLoadTuning(t *testing.T) {
	cfg, err := loadTuning("")
	if err != nil {
		t.Fatalf("loadTuning(\"\") error = %v", err)
	}
	if got := cfg.GetUITick(); got != 50*time.Millisecond {
		t.Errorf("default UI tick = %v, want 50ms", got)
	}

	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(`{"metric_tick":"500ms","min_samples":80}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadTuning(path)
	if err != nil {
		t.Fatalf("loadTuning(%q) error = %v", path, err)
	}
	if got := cfg.GetMetricTick(); got != 500*time.Millisecond {
		t.Errorf("metric tick = %v, want 500ms", got)
	}
	if got := cfg.GetMinSamples(); got != 80 {
		t.Errorf("min samples = %d, want 80", got)
	}

	if _, err := loadTuning(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestOpenTransport(t *testing.T) {
	tr, err := openTransport(true, true, "", "", "rpm")
	if err != nil {
		t.Fatalf("disabled transport: %v", err)
	}
	if _, ok := tr.(*serialmux.DisabledSerialMux); !ok {
		t.Errorf("disable-device should win, got %T", tr)
	}
	tr.Close()

	tr, err = openTransport(false, true, "", "", "rps")
	if err != nil {
		t.Fatalf("emulated transport: %v", err)
	}
	if _, ok := tr.(*serialmux.SerialMux[*serialmux.EmulatedPort]); !ok {
		t.Errorf("emulate should build an emulated mux, got %T", tr)
	}
	tr.Close()

	if _, err := openTransport(false, false, filepath.Join(t.TempDir(), "no-such-tty"), serialmux.DefaultPortMode, "rpm"); err == nil {
		t.Error("expected an error opening a missing port")
	}
	if _, err := openTransport(false, false, "/dev/null", "115200,8Z1", "rpm"); err == nil {
		t.Error("expected an error for a bad serial mode")
	}
}
