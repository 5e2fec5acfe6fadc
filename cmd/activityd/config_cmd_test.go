package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/activityd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v\n%s", err, stdout)
	}
	if got.AckWindow != activityd.DefaultAckWindow.String() || got.ResumeGrace != activityd.DefaultResumeGrace.String() {
		t.Fatalf("unexpected timings %q %q", got.AckWindow, got.ResumeGrace)
	}
	if got.Listen != activityd.DefaultListen {
		t.Fatalf("unexpected listen %q", got.Listen)
	}
}

func TestConfigGenKeysMatchServerFlags(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range serverFlagNames {
		if name == "config" {
			continue
		}
		if _, ok := raw[name]; !ok {
			t.Fatalf("generated config lacks %q", name)
		}
	}
	if len(raw) != len(serverFlagNames)-1 {
		t.Fatalf("generated config has %d keys, server flags %d", len(raw), len(serverFlagNames)-1)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected path in output, got %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal without --force")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestGeneratedConfigLoadsAndValidates(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.AckWindow = "1500ms"
		d.SocketAllowUID = []string{"1000"}
	})
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	newTestRoot(t)
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.AckWindow.String() != "1.5s" {
		t.Fatalf("ack window from file: %s", cfg.AckWindow)
	}
	if len(cfg.SocketAllowedUIDs) != 1 || cfg.SocketAllowedUIDs[0] != 1000 {
		t.Fatalf("allowed uids from file: %v", cfg.SocketAllowedUIDs)
	}
	if cfg.SocketMode != activityd.DefaultSocketMode {
		t.Fatalf("socket mode from file: %#o", cfg.SocketMode)
	}
}
