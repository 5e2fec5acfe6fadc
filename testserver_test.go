package activityd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/activityd/api"
	"pkt.systems/pslog"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t)
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected url %s", ts.URL())
	}
	if ts.GRPCTarget() != "" {
		t.Fatal("grpc should be disabled by default")
	}
	ctx := testContext(t)
	if err := ts.Client.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	st, err := ts.Client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State.Local != api.StateResume || st.State.All != api.StateResume {
		t.Fatalf("expected resumed start, got %+v", st.State)
	}
	if st.AckWindowMillis != DefaultAckWindow.Milliseconds() || st.ResumeGraceMillis != DefaultResumeGrace.Milliseconds() {
		t.Fatalf("unexpected timings %+v", st)
	}
}

func TestNewTestServerUnixListener(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "http.sock")
	ts := StartTestServer(t, WithTestUnixListener(socket), WithTestLoggerFromTB(t, pslog.DebugLevel))
	if ts.URL() != "unix://"+socket {
		t.Fatalf("expected unix URL, got %s", ts.URL())
	}
	ctx := testContext(t)
	resp, err := ts.Client.Connect(ctx, api.ConnectRequest{Role: api.RoleMaster, Scope: api.ScopeAll})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.State != api.StateResume {
		t.Fatalf("unexpected connect %+v", resp)
	}
}

func TestNewTestServerInitialState(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.InitialState = api.StateSuspend
	}))
	st, err := ts.Client.State(testContext(t), api.ScopeAll)
	if err != nil || st.State != api.StateSuspend {
		t.Fatalf("state: %+v %v", st, err)
	}
}

func TestNewTestServerStartFailure(t *testing.T) {
	_, err := NewTestServer(context.Background(), WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "udp"
	}))
	if err == nil {
		t.Fatal("expected start failure")
	}
}
