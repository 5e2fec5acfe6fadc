package main

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/activityd"
	"pkt.systems/pslog"
)

func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("ACTIVITYD_CONFIG_DIR", t.TempDir())
	t.Setenv(envClientID, "")
	return newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newTestRoot(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestBindConfigDefaults(t *testing.T) {
	newTestRoot(t)
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	want := activityd.DefaultConfig()
	if cfg.Listen != want.Listen || cfg.AckWindow != want.AckWindow || cfg.ResumeGrace != want.ResumeGrace {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.JSONMaxBytes != want.JSONMaxBytes {
		t.Fatalf("json-max round trip: got %d want %d", cfg.JSONMaxBytes, want.JSONMaxBytes)
	}
	if cfg.SocketMode != want.SocketMode {
		t.Fatalf("socket mode round trip: got %#o want %#o", cfg.SocketMode, want.SocketMode)
	}
	if !cfg.ReapOnStreamClose || !cfg.ConnguardEnabled {
		t.Fatalf("expected reaping and connguard on by default: %+v", cfg)
	}
}

func TestBindConfigFlagsAndEnv(t *testing.T) {
	root := newTestRoot(t)
	t.Setenv("ACTIVITYD_RESUME_GRACE", "3s")
	t.Setenv("ACTIVITYD_INITIAL_STATE", "suspend")
	err := root.ParseFlags([]string{
		"--ack-window", "750ms",
		"--socket", "/tmp/activityd-test.sock",
		"--socket-mode", "0600",
		"--socket-allow-uid", "0,1000",
		"--json-max", "1MB",
		"--reap-on-stream-close=false",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.AckWindow != 750*time.Millisecond {
		t.Fatalf("ack window from flag: %s", cfg.AckWindow)
	}
	if cfg.ResumeGrace != 3*time.Second {
		t.Fatalf("resume grace from env: %s", cfg.ResumeGrace)
	}
	if cfg.InitialState != "suspend" {
		t.Fatalf("initial state from env: %q", cfg.InitialState)
	}
	if cfg.SocketPath != "/tmp/activityd-test.sock" || cfg.SocketMode != 0o600 {
		t.Fatalf("socket settings: %q %#o", cfg.SocketPath, cfg.SocketMode)
	}
	if !reflect.DeepEqual(cfg.SocketAllowedUIDs, []uint32{0, 1000}) {
		t.Fatalf("allowed uids: %v", cfg.SocketAllowedUIDs)
	}
	if cfg.JSONMaxBytes != 1_000_000 {
		t.Fatalf("json-max: %d", cfg.JSONMaxBytes)
	}
	if cfg.ReapOnStreamClose {
		t.Fatal("reap-on-stream-close should be off")
	}
}

func TestBindConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"socket mode":   {"--socket-mode", "rw-rw----"},
		"json max":      {"--json-max", "lots"},
		"initial state": {"--initial-state", "hibernate"},
		"listen proto":  {"--listen-proto", "udp"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			root := newTestRoot(t)
			if err := root.ParseFlags(args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			if _, err := bindConfig(); err == nil {
				t.Fatalf("expected %v to be rejected", args)
			}
		})
	}
}

func TestParseUIDs(t *testing.T) {
	got, err := parseUIDs([]string{"1000, 1001", "", "0"})
	if err != nil {
		t.Fatalf("parseUIDs: %v", err)
	}
	if !reflect.DeepEqual(got, []uint32{1000, 1001, 0}) {
		t.Fatalf("unexpected uids %v", got)
	}
	if _, err := parseUIDs([]string{"root"}); err == nil {
		t.Fatal("expected error for non-numeric uid")
	}
}

func TestApplyTimingsUpdatesRunningService(t *testing.T) {
	ts := activityd.StartTestServer(t)
	newTestRoot(t)
	logger := pslog.NoopLogger()

	viper.Set("ack-window", "300ms")
	viper.Set("resume-grace", "4s")
	applyTimings(ts.Server, logger, "test")
	ack, grace := ts.Server.Service().Timings()
	if ack != 300*time.Millisecond || grace != 4*time.Second {
		t.Fatalf("timings not applied: %s %s", ack, grace)
	}

	viper.Set("ack-window", "0s")
	applyTimings(ts.Server, logger, "test")
	ack, _ = ts.Server.Service().Timings()
	if ack != 300*time.Millisecond {
		t.Fatalf("invalid reload should be ignored, got %s", ack)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	newTestRoot(t)
	viper.Set("config", t.TempDir()+"/missing.yaml")
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadConfigFileOptionalDefault(t *testing.T) {
	newTestRoot(t)
	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no config file, got %q", path)
	}
}
