package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/activityd"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ACTIVITYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "activityd")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		if executed == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := activityd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames lists every server flag mirrored into viper, the config
// file and ACTIVITYD_* environment variables.
var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "grpc-listen",
	"socket", "socket-mode", "socket-allow-uid",
	"ack-window", "resume-grace", "event-buffer", "initial-state", "reap-on-stream-close", "machine-name",
	"journal", "journal-retain",
	"json-max", "max-connections", "shutdown-timeout",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "activityd",
		Short:         "activityd coordinates suspend, shutdown and resume between a power master and vetoing slaves",
		SilenceErrors: true,
		Example: `
  # Loopback HTTP API with the local socket for on-host slaves
  activityd --socket /run/activityd.sock

  # Persist the cycle journal and expose gRPC and Prometheus metrics
  activityd --journal /var/lib/activityd/journal.db --grpc-listen :9442 --metrics-listen :9443

  # Shorter ack window for lab machines
  ACTIVITYD_ACK_WINDOW=500ms activityd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to activityd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := activityd.NewServer(cfg, activityd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()

			if configFile != "" {
				watchConfig(server, cliLogger)
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.activityd/"+activityd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", activityd.DefaultListen, "HTTP API listen address (host:port, or a path with --listen-proto unix)")
	flags.String("listen-proto", activityd.DefaultListenProto, "HTTP API network (tcp, tcp4, tcp6, unix)")
	flags.String("grpc-listen", activityd.DefaultGRPCListen, "gRPC API listen address (empty disables)")
	flags.String("socket", activityd.DefaultSocketPath, "local CBOR socket path (empty disables)")
	flags.String("socket-mode", fmt.Sprintf("%#o", activityd.DefaultSocketMode), "file mode applied to the local socket")
	flags.StringSlice("socket-allow-uid", nil, "peer uids allowed on the local socket (default any)")
	flags.Duration("ack-window", activityd.DefaultAckWindow, "how long slaves may answer a proposal (T1)")
	flags.Duration("resume-grace", activityd.DefaultResumeGrace, "how long the master may veto an unready transition (T2)")
	flags.Int("event-buffer", activityd.DefaultEventBuffer, "events buffered per client before new ones are dropped")
	flags.String("initial-state", "", "state both scopes start in (resume, suspend, shutdown)")
	flags.Bool("reap-on-stream-close", true, "disconnect a client when its event stream ends")
	flags.String("machine-name", "", "machine name reported to clients (default hostname)")
	flags.String("journal", "", "sqlite file recording finished cycles (empty keeps history in memory)")
	flags.Int("journal-retain", activityd.DefaultJournalRetain, "cycles kept in the journal")
	flags.String("json-max", humanizeBytes(activityd.DefaultJSONMaxBytes), "maximum JSON request body")
	flags.Int("max-connections", activityd.DefaultMaxConnections, "concurrent connections per TCP listener (0 is unlimited)")
	flags.Duration("shutdown-timeout", activityd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.Bool("connguard-enabled", true, "block peers that keep sending nothing or garbage")
	flags.Int("connguard-failure-threshold", activityd.DefaultConnguardFailureThreshold, "failures within the window that block a peer")
	flags.Duration("connguard-failure-window", activityd.DefaultConnguardFailureWindow, "window in which peer failures are counted")
	flags.Duration("connguard-block-duration", activityd.DefaultConnguardBlockDuration, "how long a blocked peer stays blocked")
	flags.Duration("connguard-probe-timeout", activityd.DefaultConnguardProbeTimeout, "how long a TCP peer may stay silent after connecting")
	flags.String("metrics-listen", activityd.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", activityd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http://, https://)")
	flags.Bool("disable-http-tracing", false, "skip per-request spans when tracing is enabled")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	viper.SetEnvPrefix("ACTIVITYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() (activityd.Config, error) {
	cfg := activityd.DefaultConfig()
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.GRPCListen = viper.GetString("grpc-listen")
	cfg.SocketPath = viper.GetString("socket")
	if raw := strings.TrimSpace(viper.GetString("socket-mode")); raw != "" {
		mode, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return cfg, fmt.Errorf("parse socket-mode: %w", err)
		}
		cfg.SocketMode = fs.FileMode(mode)
	}
	uids, err := parseUIDs(viper.GetStringSlice("socket-allow-uid"))
	if err != nil {
		return cfg, err
	}
	cfg.SocketAllowedUIDs = uids
	cfg.AckWindow = viper.GetDuration("ack-window")
	cfg.ResumeGrace = viper.GetDuration("resume-grace")
	cfg.EventBuffer = viper.GetInt("event-buffer")
	cfg.InitialState = strings.TrimSpace(viper.GetString("initial-state"))
	cfg.ReapOnStreamClose = viper.GetBool("reap-on-stream-close")
	cfg.MachineName = viper.GetString("machine-name")
	cfg.JournalPath = viper.GetString("journal")
	cfg.JournalRetain = viper.GetInt("journal-retain")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return cfg, fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseUIDs(raw []string) ([]uint32, error) {
	var out []uint32
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			uid, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parse socket-allow-uid %q: %w", part, err)
			}
			out = append(out, uint32(uid))
		}
	}
	return out, nil
}

// watchConfig applies ack window and resume grace edits in the config file to
// the running coordinator. Other settings need a restart.
func watchConfig(server *activityd.Server, logger pslog.Logger) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		applyTimings(server, logger, ev.Name)
	})
	viper.WatchConfig()
}

func applyTimings(server *activityd.Server, logger pslog.Logger, source string) {
	ackWindow := viper.GetDuration("ack-window")
	resumeGrace := viper.GetDuration("resume-grace")
	if ackWindow <= 0 || resumeGrace <= 0 {
		logger.Warn("config.reload.rejected", "path", source, "ack_window", ackWindow, "resume_grace", resumeGrace)
		return
	}
	currentAck, currentGrace := server.Service().Timings()
	if currentAck == ackWindow && currentGrace == resumeGrace {
		return
	}
	server.Service().SetTimings(ackWindow, resumeGrace)
	logger.Info("config.reloaded", "path", source, "ack_window", ackWindow, "resume_grace", resumeGrace)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
