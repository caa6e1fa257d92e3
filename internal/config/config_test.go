package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesKeys(t *testing.T) {
	path := writeConfig(t, `
# demo run
model: recurrent
max_epochs: 3
accumulate_grad_batches: 2
accumulate_schedule: "0:1,2:4"
truncated_bptt_steps: 4
val_check_interval: 0.5
precision: 16
accelerator: gpu
terminate_on_nan: true
track_grad_norm: 2
train_roots: [/data/a, "/data/b"]
learning_rate: 0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "recurrent" || cfg.MaxEpochs != 3 || cfg.AccumulateGradBatches != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.TruncatedBPTTSteps != 4 || cfg.ValCheckInterval != 0.5 || cfg.Precision != 16 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.TerminateOnNaN || cfg.TrackGradNorm != 2 || cfg.Accelerator != "gpu" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.TrainRoots) != 2 || cfg.TrainRoots[1] != "/data/b" {
		t.Fatalf("train_roots = %v", cfg.TrainRoots)
	}
	if cfg.BatchSize != 32 || cfg.CheckValEveryNEpoch != 1 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "max_epochs: 1\nwarp_factor: 9\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected a line-numbered error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"model":      func(c *Config) { c.Model = "cnn" },
		"accumulate": func(c *Config) { c.AccumulateGradBatches = 0 },
		"schedule":   func(c *Config) { c.AccumulateSchedule = "1:0" },
		"precision":  func(c *Config) { c.Precision = 8 },
		"val check":  func(c *Config) { c.ValCheckInterval = 2.5 },
		"budget":     func(c *Config) { c.MaxEpochs, c.MaxSteps = 0, 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{MaxEpochs: 7, Accelerator: "dp", Devices: 2, FastDevRun: true})
	if cfg.MaxEpochs != 7 || cfg.Accelerator != "dp" || cfg.Devices != 2 || !cfg.FastDevRun {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BatchSize != 32 {
		t.Fatal("zero override must keep the existing value")
	}
}

func TestParseAccumulateSchedule(t *testing.T) {
	s, err := ParseAccumulateSchedule("3:2, 0:1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s[0] != 1 || s[3] != 2 {
		t.Fatalf("schedule = %v", s)
	}
	if got := ScheduleEpochs(s); got[0] != 0 || got[1] != 3 {
		t.Fatalf("epochs = %v", got)
	}
	for _, bad := range []string{"3", "x:1", "1:0", "-1:2"} {
		if _, err := ParseAccumulateSchedule(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
