package activityd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/client"
	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/grpcapi"
	"pkt.systems/activityd/internal/sockapi"
	"pkt.systems/pslog"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServerServesEveryTransport(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "activityd.sock")
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ts := StartTestServer(t,
		WithTestClock(clk),
		WithTestGRPC(),
		WithTestSocket(sock),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.JournalPath = filepath.Join(dir, "journal.db")
		}),
		WithTestLoggerFromTB(t, pslog.InfoLevel),
	)
	ctx := testContext(t)

	g, err := grpcapi.Dial(ts.GRPCTarget())
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	defer g.Close()
	master, err := g.Connect(ctx, api.ConnectRequest{Role: api.RoleMaster, Scope: api.ScopeLocal, Name: "pm"})
	if err != nil {
		t.Fatalf("grpc connect: %v", err)
	}
	masterEvents, err := g.Watch(ctx, master.ClientID)
	if err != nil {
		t.Fatalf("grpc watch: %v", err)
	}
	if err := masterEvents.Header(); err != nil {
		t.Fatalf("grpc watch header: %v", err)
	}

	sc := sockapi.NewClient(sock)
	slave, err := sc.Connect(ctx, api.ConnectRequest{Role: api.RoleSlave, Scope: api.ScopeLocal, Name: "vm"})
	if err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	if slave.Machine != "testhost" {
		t.Fatalf("expected machine override, got %q", slave.Machine)
	}
	slaveEvents, err := sc.Watch(ctx, slave.ClientID)
	if err != nil {
		t.Fatalf("socket watch: %v", err)
	}
	defer slaveEvents.Close()

	if _, err := ts.Client.Connect(ctx, api.ConnectRequest{Role: api.RoleSlave, Scope: api.ScopeAll, Name: "fleet"}); err != nil {
		t.Fatalf("http connect: %v", err)
	}

	res, err := g.RequestTransition(ctx, api.TransitionRequest{ClientID: master.ClientID, Target: api.StateSuspend, Scope: api.ScopeLocal})
	if err != nil || res.Outcome != api.OutcomePending {
		t.Fatalf("transition: %+v %v", res, err)
	}
	ev, err := slaveEvents.Recv()
	if err != nil || ev.Kind != api.EventTransitionProposed || ev.CycleID != res.CycleID {
		t.Fatalf("expected proposal, got %+v %v", ev, err)
	}
	ackRes, err := sc.SubmitAck(ctx, api.AckRequest{ClientID: slave.ClientID, Verdict: api.VerdictAckSuspend})
	if err != nil || !ackRes.Recorded {
		t.Fatalf("ack: %+v %v", ackRes, err)
	}
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("ack window not armed")
	}
	clk.Advance(DefaultAckWindow)

	report, err := masterEvents.Recv()
	if err != nil || report.Kind != api.EventConsolidatedResult || report.Status != api.StatusSuccess {
		t.Fatalf("expected success report, got %+v %v", report, err)
	}
	committed, err := slaveEvents.Recv()
	if err != nil || committed.Kind != api.EventStateCommitted || committed.Target != api.StateSuspend {
		t.Fatalf("expected commit, got %+v %v", committed, err)
	}
	st, err := ts.Client.State(ctx, api.ScopeLocal)
	if err != nil || st.State != api.StateSuspend {
		t.Fatalf("state: %+v %v", st, err)
	}
	all, err := ts.Client.State(ctx, api.ScopeAll)
	if err != nil || all.State != api.StateResume {
		t.Fatalf("local commit must not touch all: %+v %v", all, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hist, err := ts.Client.History(ctx, 5)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(hist.Cycles) == 1 {
			if hist.Cycles[0].ID != res.CycleID || hist.Cycles[0].Outcome != api.OutcomeCommitted {
				t.Fatalf("unexpected history %+v", hist.Cycles)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cycle not journaled: %+v", hist.Cycles)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownEndsStreamsAndRemovesSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "activityd.sock")
	ts, err := NewTestServer(context.Background(), WithTestSocket(sock))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := testContext(t)
	slave, err := ts.Client.Connect(ctx, api.ConnectRequest{Role: api.RoleSlave, Scope: api.ScopeLocal})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	stream, err := ts.Client.Watch(ctx, slave.ClientID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := stream.Recv(); err == nil {
		t.Fatal("expected stream to end on shutdown")
	}
	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed, stat err %v", err)
	}
	if ts.Server.isReady() {
		t.Fatal("server reports ready after shutdown")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{ListenProto: "udp"}); err == nil {
		t.Fatal("expected invalid proto to fail")
	}
}

func TestStartFailsOnBusyListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := DefaultConfig()
	cfg.Listen = ln.Addr().String()
	if _, _, err := StartServer(context.Background(), cfg, WithLogger(pslog.NoopLogger())); err == nil {
		t.Fatal("expected bind failure")
	}
}

func TestConnguardBlocksSilentPeers(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.ConnguardEnabled = true
		cfg.ConnguardFailureThreshold = 2
		cfg.ConnguardProbeTimeout = 50 * time.Millisecond
	}))
	ctx := testContext(t)
	if _, err := ts.Client.Status(ctx); err != nil {
		t.Fatalf("status before health checks: %v", err)
	}
	for range 2 {
		conn, err := net.Dial("tcp", ts.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		_ = conn.Close()
	}
	fresh, err := ts.NewClient(client.WithHTTPTimeout(time.Second))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer fresh.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := fresh.Status(ctx); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("silent peer was not blocked")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMetricsEndpointExportsCoordinatorMetrics(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MetricsListen = "127.0.0.1:0"
	}))
	ctx := testContext(t)
	if _, err := ts.Client.Connect(ctx, api.ConnectRequest{Role: api.RoleSlave, Scope: api.ScopeLocal}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	addr := ts.Server.MetricsAddr()
	if addr == nil {
		t.Fatal("metrics listener not bound")
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "activityd_clients") {
		t.Fatalf("unexpected scrape %d:\n%s", resp.StatusCode, body)
	}
}

func TestServiceExposedForEmbedding(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	if ts.Client != nil {
		t.Fatal("client should not be created")
	}
	res, err := ts.Server.Service().Connect(context.Background(), core.ConnectCommand{Role: core.RoleMaster, Scope: core.ScopeAll})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.Client.ID == "" || ts.Server.Machine() != "testhost" {
		t.Fatalf("unexpected connect %+v machine %q", res, ts.Server.Machine())
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := map[string]otlpTarget{
		"collector":                  {protocol: "grpc", endpoint: "collector:4317", insecure: true},
		"grpcs://otel:4319":          {protocol: "grpc", endpoint: "otel:4319"},
		"http://otel/v1/traces":      {protocol: "http", endpoint: "otel:4318", path: "/v1/traces", insecure: true},
		"https://otel.example.com/x": {protocol: "http", endpoint: "otel.example.com:4318", path: "/x"},
	}
	for raw, want := range cases {
		got, err := resolveOTLPTarget(raw)
		if err != nil || got != want {
			t.Fatalf("resolveOTLPTarget(%q) = %+v, %v; want %+v", raw, got, err, want)
		}
	}
	if _, err := resolveOTLPTarget("ftp://x"); err == nil {
		t.Fatal("expected unknown scheme error")
	}
}
