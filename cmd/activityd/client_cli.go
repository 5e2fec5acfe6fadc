package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/activityd/api"
	activitydclient "pkt.systems/activityd/client"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey    = "client.server"
	clientTimeoutKey   = "client.timeout"
	clientLogLevelKey  = "client.log_level"
	clientLogOutputKey = "client.log_output"

	envServerURL   = "ACTIVITYD_CLIENT_SERVER"
	envClientID    = "ACTIVITYD_CLIENT_ID"
	envCorrelation = "ACTIVITYD_CLIENT_CORRELATION_ID"

	defaultServerURL = "http://127.0.0.1:9441"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running activityd server",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultServerURL, "activityd server base URL (http://, https:// or unix:///path)")
	flags.Duration("timeout", activitydclient.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("log-output", "", "client log output path (default stderr)")

	mustBindFlag(clientServerKey, envServerURL, flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "ACTIVITYD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "ACTIVITYD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientLogOutputKey, "ACTIVITYD_CLIENT_LOG_OUTPUT", flags.Lookup("log-output"))

	cmd.AddCommand(
		newClientConnectCommand(cfg),
		newClientDisconnectCommand(cfg),
		newClientStateCommand(cfg),
		newClientTransitionCommand(cfg),
		newClientAckCommand(cfg),
		newClientMachineCommand(cfg),
		newClientStatusCommand(cfg),
		newClientHistoryCommand(cfg),
		newClientWatchCommand(cfg),
		newClientSlaveCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded     bool
	server     string
	timeout    time.Duration
	logLevel   string
	logOutput  string
	logger     pslog.Logger
	logClosers []io.Closer
	cli        *activitydclient.Client
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultServerURL
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = activitydclient.DefaultHTTPTimeout
	}
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	c.logOutput = viper.GetString(clientLogOutputKey)
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	levelStr := strings.ToLower(c.logLevel)
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	var writer io.Writer = os.Stderr
	switch c.logOutput {
	case "", "stderr":
	case "-", "stdout":
		writer = os.Stdout
	default:
		f, err := os.OpenFile(c.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.logClosers = append(c.logClosers, f)
		writer = f
	}
	c.logger = svcfields.WithSubsystem(pslog.NewStructured(context.Background(), writer), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) cleanup() {
	if c.cli != nil {
		_ = c.cli.Close()
		c.cli = nil
	}
	for _, closer := range c.logClosers {
		_ = closer.Close()
	}
	c.logClosers = nil
	c.logger = nil
	c.loaded = false
}

func (c *clientCLIConfig) client() (*activitydclient.Client, error) {
	if c.cli != nil {
		return c.cli, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []activitydclient.Option{activitydclient.WithHTTPTimeout(c.timeout)}
	if c.logger != nil {
		opts = append(opts, activitydclient.WithLogger(c.logger))
	}
	cli, err := activitydclient.New(c.server, opts...)
	if err != nil {
		return nil, err
	}
	c.cli = cli
	return cli, nil
}

// streamingClient returns a client without a request timeout so event
// streams stay open.
func (c *clientCLIConfig) streamingClient() (*activitydclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	c.timeout = 0
	opts := []activitydclient.Option{activitydclient.WithHTTPTimeout(0)}
	if c.logger != nil {
		opts = append(opts, activitydclient.WithLogger(c.logger))
	}
	cli, err := activitydclient.New(c.server, opts...)
	if err != nil {
		return nil, err
	}
	c.cli = cli
	return cli, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOutput(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unknown output %q (text|json)", raw)
	}
}

func resolveClientID(flagValue string) (string, error) {
	if id := strings.TrimSpace(flagValue); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(os.Getenv(envClientID)); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("client id required (specify --client-id or export %s)", envClientID)
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := activitydclient.NormalizeCorrelationID(env); ok {
			return normalized
		}
	}
	return activitydclient.GenerateCorrelationID()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	return activitydclient.WithCorrelationID(cmd.Context(), id), id
}

func formatRefs(refs []api.ClientRef) string {
	if len(refs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Name != "" {
			parts = append(parts, r.Name)
			continue
		}
		parts = append(parts, r.ID)
	}
	return strings.Join(parts, ",")
}

func formatEvent(ev api.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", ev.Seq, ev.Kind)
	if ev.CycleID != "" {
		fmt.Fprintf(&b, " cycle=%s", ev.CycleID)
	}
	if ev.Target != "" {
		fmt.Fprintf(&b, " target=%s scope=%s", ev.Target, ev.Scope)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " status=%s acked=%s nacked=%s no_ack=%s", ev.Status, formatRefs(ev.Acked), formatRefs(ev.Nacked), formatRefs(ev.NoAck))
	}
	if ev.Machine != "" && ev.Available != nil {
		fmt.Fprintf(&b, " machine=%s available=%t", ev.Machine, *ev.Available)
	}
	return b.String()
}

func writeEvent(out io.Writer, mode outputMode, ev api.Event) error {
	if mode == outputJSON {
		return json.NewEncoder(out).Encode(ev)
	}
	_, err := fmt.Fprintln(out, formatEvent(ev))
	return err
}

func newClientConnectCommand(cfg *clientCLIConfig) *cobra.Command {
	var role, scope, name, output string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register a master or slave and print its client id",
		Example: `  # Register a local slave and keep its id for later calls
  export ACTIVITYD_CLIENT_ID=$(activityd client connect --role slave --output text | cut -f1)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.Connect(ctx, api.ConnectRequest{Role: role, Scope: scope, Name: name})
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", resp.ClientID, resp.Role, resp.Scope, resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", api.RoleSlave, "client role (master|slave)")
	cmd.Flags().StringVar(&scope, "scope", api.ScopeLocal, "client scope (local|all)")
	cmd.Flags().StringVar(&name, "name", "", "human readable client name")
	cmd.Flags().StringVar(&output, "output", string(outputJSON), "output format (text|json)")
	return cmd
}

func newClientDisconnectCommand(cfg *clientCLIConfig) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:           "disconnect",
		Short:         "Deregister a client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveClientID(clientID)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			if err := cli.Disconnect(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id (default from "+envClientID+")")
	return cmd
}

func newClientStateCommand(cfg *clientCLIConfig) *cobra.Command {
	var scope, output string
	cmd := &cobra.Command{
		Use:           "state",
		Short:         "Print the committed state of a scope",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.State(ctx, scope)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", api.ScopeLocal, "scope (local|all)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientTransitionCommand(cfg *clientCLIConfig) *cobra.Command {
	var clientID, target, scope, output string
	var abortOnVeto bool
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Request a state transition as master",
		Long: `Request a state transition. Without --client-id the command registers a
temporary master, waits for the consolidated result and disconnects again.
With --abort-on-veto a not_ready or expired result is answered with a resume,
which aborts the transition inside the resume grace.`,
		Example: `  # Suspend this machine unless a slave objects
  activityd client transition --target suspend --abort-on-veto`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			ctx, _ := commandContextWithCorrelation(cmd)
			if id := strings.TrimSpace(clientID); id != "" || os.Getenv(envClientID) != "" {
				id, err := resolveClientID(id)
				if err != nil {
					return err
				}
				cli, err := cfg.client()
				if err != nil {
					return err
				}
				resp, err := cli.Transition(ctx, api.TransitionRequest{ClientID: id, Target: target, Scope: scope})
				if err != nil {
					return err
				}
				return writeTransition(cmd.OutOrStdout(), mode, resp, nil, nil)
			}

			cli, err := cfg.streamingClient()
			if err != nil {
				return err
			}
			master, err := cli.ConnectMaster(ctx, scope, "activityd-cli")
			if err != nil {
				return err
			}
			defer master.Close(context.WithoutCancel(ctx))
			resp, err := master.RequestTransition(ctx, target, scope)
			if err != nil {
				return err
			}
			if resp.Outcome != api.OutcomePending {
				return writeTransition(cmd.OutOrStdout(), mode, resp, nil, nil)
			}
			report, err := master.AwaitResult(ctx, resp.CycleID)
			if err != nil {
				return err
			}
			var aborted *api.TransitionResponse
			if abortOnVeto && report.Status != api.StatusSuccess {
				aborted, err = master.RequestTransition(ctx, api.StateResume, scope)
				if err != nil && !activitydclient.IsCode(err, "busy") {
					return err
				}
			}
			return writeTransition(cmd.OutOrStdout(), mode, resp, &report, aborted)
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "master client id (default from "+envClientID+", else a temporary master)")
	cmd.Flags().StringVar(&target, "target", api.StateSuspend, "target state (resume|suspend|shutdown)")
	cmd.Flags().StringVar(&scope, "scope", api.ScopeLocal, "scope (local|all)")
	cmd.Flags().BoolVar(&abortOnVeto, "abort-on-veto", false, "send resume when the result is not_ready or expired")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func writeTransition(out io.Writer, mode outputMode, resp *api.TransitionResponse, report *api.Event, aborted *api.TransitionResponse) error {
	if mode == outputJSON {
		summary := map[string]any{"transition": resp}
		if report != nil {
			summary["result"] = report
		}
		if aborted != nil {
			summary["abort"] = aborted
		}
		return writeJSON(out, summary)
	}
	fmt.Fprintf(out, "cycle %s: %s (local=%s all=%s)\n", resp.CycleID, resp.Outcome, resp.State.Local, resp.State.All)
	if report != nil {
		fmt.Fprintf(out, "result: %s acked=%s nacked=%s no_ack=%s\n", report.Status, formatRefs(report.Acked), formatRefs(report.Nacked), formatRefs(report.NoAck))
	}
	if aborted != nil {
		fmt.Fprintf(out, "aborted: %s\n", aborted.Outcome)
	}
	return nil
}

func newClientAckCommand(cfg *clientCLIConfig) *cobra.Command {
	var clientID, verdict, output string
	cmd := &cobra.Command{
		Use:           "ack",
		Short:         "Submit a slave verdict for the open cycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			id, err := resolveClientID(clientID)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.Ack(ctx, api.AckRequest{ClientID: id, Verdict: verdict})
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Recorded {
				fmt.Fprintf(cmd.OutOrStdout(), "recorded for cycle %s\n", resp.CycleID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "ignored: %s\n", resp.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "slave client id (default from "+envClientID+")")
	cmd.Flags().StringVar(&verdict, "verdict", api.VerdictAckSuspend, "verdict (ack_suspend|ack_shutdown|nack_suspend|nack_shutdown)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientMachineCommand(cfg *clientCLIConfig) *cobra.Command {
	var machine string
	var unavailable bool
	cmd := &cobra.Command{
		Use:           "machine",
		Short:         "Report a machine availability change to the master",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(machine) == "" {
				return errors.New("--machine is required")
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.ReportMachine(ctx, machine, !unavailable)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered: %t\n", resp.Delivered)
			return nil
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "machine name")
	cmd.Flags().BoolVar(&unavailable, "unavailable", false, "report the machine as unavailable")
	return cmd
}

func newClientStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show clients, committed state and the open cycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			st, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			writeStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func writeStatus(out io.Writer, st *api.StatusResponse) {
	fmt.Fprintf(out, "machine:      %s\n", st.Machine)
	fmt.Fprintf(out, "state:        local=%s all=%s\n", st.State.Local, st.State.All)
	fmt.Fprintf(out, "ack window:   %s\n", time.Duration(st.AckWindowMillis)*time.Millisecond)
	fmt.Fprintf(out, "resume grace: %s\n", time.Duration(st.ResumeGraceMillis)*time.Millisecond)
	if st.Master != nil {
		fmt.Fprintf(out, "master:       %s %s scope=%s connected %s\n", st.Master.ID, st.Master.Name, st.Master.Scope, humanize.Time(st.Master.ConnectedAt))
	} else {
		fmt.Fprintln(out, "master:       -")
	}
	fmt.Fprintf(out, "slaves:       %d\n", len(st.Slaves))
	for _, s := range st.Slaves {
		fmt.Fprintf(out, "  %s %s scope=%s connected %s\n", s.ID, s.Name, s.Scope, humanize.Time(s.ConnectedAt))
	}
	if st.Cycle != nil {
		fmt.Fprintf(out, "cycle:        %s %s/%s phase=%s acked=%d nacked=%d started %s\n",
			st.Cycle.ID, st.Cycle.Target, st.Cycle.Scope, st.Cycle.Phase, st.Cycle.Acked, st.Cycle.Nacked, humanize.Time(st.Cycle.StartedAt))
	}
}

func newClientHistoryCommand(cfg *clientCLIConfig) *cobra.Command {
	var limit int
	var output string
	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List recent transition cycles, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			hist, err := cli.History(ctx, limit)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), hist)
			}
			for _, c := range hist.Cycles {
				status := c.Status
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %-5s %-9s %-9s took %s, %s\n",
					c.ID, c.Target, c.Scope, c.Outcome, status,
					c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond), humanize.Time(c.FinishedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum cycles to list")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientWatchCommand(cfg *clientCLIConfig) *cobra.Command {
	var clientID, output string
	cmd := &cobra.Command{
		Use:           "watch",
		Short:         "Stream events for a connected client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			id, err := resolveClientID(clientID)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.streamingClient()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			stream, err := cli.Watch(ctx, id)
			if err != nil {
				return err
			}
			defer stream.Close()
			for {
				ev, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := writeEvent(cmd.OutOrStdout(), mode, ev); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id (default from "+envClientID+")")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientSlaveCommand(cfg *clientCLIConfig) *cobra.Command {
	var scope, name, output string
	var notReady bool
	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run a slave that answers every proposal until interrupted",
		Example: `  # Veto every suspend while a backup runs
  activityd client slave --name backup --not-ready`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutput(output)
			if err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.streamingClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			slave, err := cli.ConnectSlave(ctx, scope, name)
			if err != nil {
				return err
			}
			defer slave.Close(context.WithoutCancel(ctx))
			fmt.Fprintf(cmd.ErrOrStderr(), "slave %s connected (%s, state %s)\n", slave.ID(), slave.Info().Scope, slave.Info().State)
			slave.OnEvent(func(ev api.Event) {
				_ = writeEvent(cmd.OutOrStdout(), mode, ev)
			})
			err = slave.Run(ctx, func(context.Context, api.Event) bool { return !notReady })
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&scope, "scope", api.ScopeLocal, "slave scope (local|all)")
	cmd.Flags().StringVar(&name, "name", "activityd-cli", "slave name shown in reports")
	cmd.Flags().BoolVar(&notReady, "not-ready", false, "nack every proposal instead of acking")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}
