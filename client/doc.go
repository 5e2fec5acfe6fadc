// Package client is the Go SDK for the activityd HTTP API.
//
// # Quick start
//
// The URL scheme decides the transport:
//
//   - http://host:9441 for a TCP listener
//   - unix:///run/activityd/http.sock when the HTTP API listens on a socket
//
// A slave that vetoes suspend while a job is running looks like:
//
//	cli, err := client.New("http://127.0.0.1:9441")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	slave, err := cli.ConnectSlave(ctx, api.ScopeLocal, "backup-agent")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer slave.Close(context.Background())
//
//	err = slave.Run(ctx, func(ctx context.Context, ev api.Event) bool {
//	    return !jobRunning()
//	})
//
// The decision function is asked once per proposed transition and its answer
// is sent as the matching ack or nack verdict. Committed transitions, aborts
// and other events can be observed with SlaveSession.OnEvent.
//
// A master requests transitions and reads the consolidated result from its
// own event stream:
//
//	master, err := cli.ConnectMaster(ctx, api.ScopeAll, "power-manager")
//	...
//	res, err := master.RequestTransition(ctx, api.StateSuspend, api.ScopeAll)
//	report, err := master.AwaitResult(ctx, res.CycleID)
//
// Errors returned by the server are *APIError values carrying the error code,
// the HTTP status and any Retry-After hint.
package client
