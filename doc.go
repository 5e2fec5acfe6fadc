// Package activityd exposes the Go APIs behind a single-binary coordinator
// that lets one master drive power transitions (suspend, shutdown, resume)
// across slaves that may veto them. The package embeds the server; the
// client package talks to it.
//
// # Running a server
//
// The HTTP API listens on `Config.ListenProto` (default `tcp`) and
// `Config.Listen` (default 127.0.0.1:9441). The gRPC API and the local CBOR
// socket are opt-in through `Config.GRPCListen` and `Config.SocketPath`.
//
//	cfg := activityd.DefaultConfig()
//	cfg.SocketPath = "/run/activityd.sock"
//	cfg.JournalPath = "/var/lib/activityd/journal.db"
//	srv, err := activityd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("activityd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Transition cycles
//
// A master requests suspend or shutdown for the local machine or for every
// machine. Matching slaves receive a proposal and have the ack window
// (`Config.AckWindow`, default 2s) to reply. When every slave acked, the
// state commits at the end of the window. Otherwise the master receives a
// not_ready or expired report and has the resume grace
// (`Config.ResumeGrace`, default 10s) to send a resume for the same scope,
// which aborts the transition. Without a resume the transition commits
// when the grace ends.
//
// A resume with no open cycle commits immediately. Only one cycle is open at
// a time; other requests fail with the busy error code.
//
// # Embedding and tests
//
// StartServer returns once every listener is bound together with a stop
// function. StartTestServer wires a loopback server and a client for tests;
// WithTestClock drives the ack window and resume grace from a manual clock.
//
// # Observability
//
// Logs use pslog; set ACTIVITYD_LOG_LEVEL for the CLI. `Config.MetricsListen`
// exposes Prometheus metrics, `Config.OTLPEndpoint` exports traces and
// `Config.PprofListen` serves pprof.
package activityd
