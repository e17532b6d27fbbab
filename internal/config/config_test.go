package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 47989 || cfg.FECPercentage != 20 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.AutoBitrate.AdjustmentIntervalMs != 3000 {
		t.Fatalf("controller defaults: %+v", cfg.AutoBitrate)
	}
}

func TestLoadOverridesTopLevelAndControllerKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"port": 48010,
		"fec_percentage": 10,
		"auto_bitrate_loss_severe_pct": 15,
		"auto_bitrate_decrease_severe_pct": 30,
		"max_bitrate": 50000
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 48010 || cfg.FECPercentage != 10 {
		t.Fatalf("top level: %+v", cfg)
	}
	if cfg.AutoBitrate.LossSeverePct != 15 || cfg.AutoBitrate.DecreaseSeverePct != 30 {
		t.Fatalf("controller keys: %+v", cfg.AutoBitrate)
	}
	if cfg.AutoBitrate.MaxBitrateCap != 50000 {
		t.Fatalf("max bitrate cap: %d", cfg.AutoBitrate.MaxBitrateCap)
	}
	// Untouched keys keep defaults.
	if cfg.AutoBitrate.IncreaseGoodPct != 5 {
		t.Fatalf("default lost: %+v", cfg.AutoBitrate)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must error")
	}
}
