package activityd

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected listen proto default tcp, got %s", cfg.ListenProto)
	}
	if cfg.AckWindow != 2*time.Second || cfg.ResumeGrace != 10*time.Second {
		t.Fatalf("expected T1=2s T2=10s, got %s %s", cfg.AckWindow, cfg.ResumeGrace)
	}
	if cfg.EventBuffer <= 0 || cfg.JSONMaxBytes <= 0 || cfg.JournalRetain <= 0 {
		t.Fatalf("expected buffer defaults, got %+v", cfg)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
	if cfg.ConnguardProbeTimeout <= 0 || cfg.ConnguardBlockDuration <= 0 || cfg.ConnguardFailureWindow <= 0 {
		t.Fatal("expected connguard defaults")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !cfg.ReapOnStreamClose || !cfg.ConnguardEnabled {
		t.Fatalf("expected reaping and connguard on by default: %+v", cfg)
	}
	if cfg.GRPCListen != "" || cfg.SocketPath != "" {
		t.Fatalf("optional transports must be off by default: %+v", cfg)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "a.sock")
	cases := map[string]Config{
		"proto":         {ListenProto: "udp"},
		"negative ack":  {AckWindow: -time.Second},
		"initial state": {InitialState: "hibernate"},
		"profiling":     {EnableProfilingMetrics: true},
		"max conns":     {MaxConnections: -1},
		"socket clash":  {ListenProto: "unix", Listen: sock, SocketPath: sock},
		"threshold":     {ConnguardFailureThreshold: -1},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		ListenProto:  "TCP",
		AckWindow:    500 * time.Millisecond,
		ResumeGrace:  time.Second,
		InitialState: "suspend",
		SocketPath:   "/run/activityd.sock",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected normalized proto, got %q", cfg.ListenProto)
	}
	if cfg.AckWindow != 500*time.Millisecond || cfg.ResumeGrace != time.Second {
		t.Fatalf("timings overwritten: %s %s", cfg.AckWindow, cfg.ResumeGrace)
	}
	if cfg.SocketMode != DefaultSocketMode {
		t.Fatalf("expected socket mode default, got %o", cfg.SocketMode)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ACTIVITYD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("expected %s, got %s (%v)", dir, got, err)
	}
	path, err := DefaultConfigPath()
	if err != nil || path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %s (%v)", path, err)
	}
}
