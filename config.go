package activityd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/activityd/internal/core"
)

const (
	// DefaultListen is the default endpoint of the HTTP API.
	DefaultListen = "127.0.0.1:9441"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultGRPCListen is empty; the gRPC API is opt-in.
	DefaultGRPCListen = ""
	// DefaultSocketPath is empty; the local CBOR socket is opt-in.
	DefaultSocketPath = ""
	// DefaultSocketMode is applied to the socket file after bind.
	DefaultSocketMode = fs.FileMode(0o660)
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultAckWindow is the T1 window in which slave verdicts count.
	DefaultAckWindow = core.DefaultAckWindow
	// DefaultResumeGrace is the T2 window in which a Resume can veto an
	// unready or expired transition.
	DefaultResumeGrace = core.DefaultResumeGrace
	// DefaultEventBuffer bounds each client mailbox.
	DefaultEventBuffer = core.DefaultEventBuffer
	// DefaultJournalRetain bounds how many cycles the sqlite journal keeps.
	DefaultJournalRetain = 1024
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 64 << 10
	// DefaultMaxConnections caps concurrent TCP connections per API listener.
	DefaultMaxConnections = 512
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConnguardFailureThreshold blocks a peer after this many failures.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the period in which failures are counted.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long a blocked peer stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds how long a TCP peer may stay silent.
	DefaultConnguardProbeTimeout = 5 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an activityd server.
type Config struct {
	// Listen is the HTTP API endpoint: host:port for tcp, a path for unix.
	Listen      string
	ListenProto string
	// GRPCListen enables the gRPC API on this TCP address.
	GRPCListen string
	// SocketPath enables the local CBOR socket API.
	SocketPath        string
	SocketMode        fs.FileMode
	SocketAllowedUIDs []uint32

	AckWindow   time.Duration
	ResumeGrace time.Duration
	EventBuffer int
	// InitialState seeds both scopes at start; resume unless set.
	InitialState string
	// ReapOnStreamClose disconnects a client whose event stream ends.
	ReapOnStreamClose bool
	// MachineName overrides the detected host name.
	MachineName string

	// JournalPath is the sqlite database of finished cycles. Empty keeps an
	// in-memory history.
	JournalPath   string
	JournalRetain int

	JSONMaxBytes    int64
	MaxConnections  int
	ShutdownTimeout time.Duration

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
	ConnguardProbeTimeout     time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	DisableHTTPTracing     bool
}

// DefaultConfig returns a configuration populated with the defaults.
func DefaultConfig() Config {
	return Config{
		Listen:                    DefaultListen,
		ListenProto:               DefaultListenProto,
		SocketMode:                DefaultSocketMode,
		AckWindow:                 DefaultAckWindow,
		ResumeGrace:               DefaultResumeGrace,
		EventBuffer:               DefaultEventBuffer,
		ReapOnStreamClose:         true,
		JournalRetain:             DefaultJournalRetain,
		JSONMaxBytes:              DefaultJSONMaxBytes,
		MaxConnections:            DefaultMaxConnections,
		ShutdownTimeout:           DefaultShutdownTimeout,
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    DefaultConnguardFailureWindow,
		ConnguardBlockDuration:    DefaultConnguardBlockDuration,
		ConnguardProbeTimeout:     DefaultConnguardProbeTimeout,
	}
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}
	if c.SocketPath != "" {
		if c.ListenProto == "unix" && filepath.Clean(c.SocketPath) == filepath.Clean(c.Listen) {
			return fmt.Errorf("config: socket path and listen address collide (%s)", c.SocketPath)
		}
		if c.SocketMode == 0 {
			c.SocketMode = DefaultSocketMode
		}
	}
	if c.AckWindow < 0 || c.ResumeGrace < 0 {
		return fmt.Errorf("config: ack window and resume grace must be >= 0")
	}
	if c.AckWindow == 0 {
		c.AckWindow = DefaultAckWindow
	}
	if c.ResumeGrace == 0 {
		c.ResumeGrace = DefaultResumeGrace
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.InitialState != "" {
		switch core.ParseState(c.InitialState) {
		case core.StateResume, core.StateSuspend, core.StateShutdown:
		default:
			return fmt.Errorf("config: initial state must be resume, suspend or shutdown (got %q)", c.InitialState)
		}
	}
	if c.JournalRetain <= 0 {
		c.JournalRetain = DefaultJournalRetain
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout <= 0 {
		c.ConnguardProbeTimeout = DefaultConnguardProbeTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.activityd), overridable with ACTIVITYD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ACTIVITYD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".activityd"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
