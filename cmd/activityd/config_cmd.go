package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/activityd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage activityd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.activityd/" + activityd.DefaultConfigFileName
	if path, err := activityd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default activityd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := activityd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys match serverFlagNames.
type configDefaults struct {
	Listen                    string   `yaml:"listen"`
	ListenProto               string   `yaml:"listen-proto"`
	GRPCListen                string   `yaml:"grpc-listen"`
	Socket                    string   `yaml:"socket"`
	SocketMode                string   `yaml:"socket-mode"`
	SocketAllowUID            []string `yaml:"socket-allow-uid"`
	AckWindow                 string   `yaml:"ack-window"`
	ResumeGrace               string   `yaml:"resume-grace"`
	EventBuffer               int      `yaml:"event-buffer"`
	InitialState              string   `yaml:"initial-state"`
	ReapOnStreamClose         bool     `yaml:"reap-on-stream-close"`
	MachineName               string   `yaml:"machine-name"`
	Journal                   string   `yaml:"journal"`
	JournalRetain             int      `yaml:"journal-retain"`
	JSONMax                   string   `yaml:"json-max"`
	MaxConnections            int      `yaml:"max-connections"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	ConnguardEnabled          bool     `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int      `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string   `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string   `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string   `yaml:"connguard-probe-timeout"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	DisableHTTPTracing        bool     `yaml:"disable-http-tracing"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := activityd.DefaultConfig()
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		ListenProto:               cfg.ListenProto,
		GRPCListen:                cfg.GRPCListen,
		Socket:                    cfg.SocketPath,
		SocketMode:                fmt.Sprintf("%#o", cfg.SocketMode),
		SocketAllowUID:            []string{},
		AckWindow:                 cfg.AckWindow.String(),
		ResumeGrace:               cfg.ResumeGrace.String(),
		EventBuffer:               cfg.EventBuffer,
		InitialState:              cfg.InitialState,
		ReapOnStreamClose:         cfg.ReapOnStreamClose,
		MachineName:               cfg.MachineName,
		Journal:                   cfg.JournalPath,
		JournalRetain:             cfg.JournalRetain,
		JSONMax:                   humanizeBytes(cfg.JSONMaxBytes),
		MaxConnections:            cfg.MaxConnections,
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		ConnguardEnabled:          cfg.ConnguardEnabled,
		ConnguardFailureThreshold: cfg.ConnguardFailureThreshold,
		ConnguardFailureWindow:    cfg.ConnguardFailureWindow.String(),
		ConnguardBlockDuration:    cfg.ConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     cfg.ConnguardProbeTimeout.String(),
		MetricsListen:             cfg.MetricsListen,
		PprofListen:               cfg.PprofListen,
		EnableProfilingMetrics:    cfg.EnableProfilingMetrics,
		OTLPEndpoint:              cfg.OTLPEndpoint,
		DisableHTTPTracing:        cfg.DisableHTTPTracing,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
