// Package inprocess runs an activityd server inside the current process and
// hands back a client bound to it over a private unix socket. It suits
// single-host deployments where the master and its slaves live in one binary.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/activityd"
	"pkt.systems/activityd/client"
)

// Client is a client.Client whose server runs in-process. Every client API,
// including ConnectMaster and ConnectSlave sessions, is available.
type Client struct {
	*client.Client

	server    *activityd.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process activityd server on a unix socket and returns a
// client connected to it. Close releases the server and the socket.
// Example:
//
//	ctx := context.Background()
//	inproc, err := inprocess.New(ctx, activityd.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
//	master, err := inproc.ConnectMaster(ctx, api.ScopeLocal, "power-manager")
func New(ctx context.Context, cfg activityd.Config, opts ...activityd.Option) (*Client, error) {
	if cfg.ListenProto == "" || (cfg.ListenProto == activityd.DefaultListenProto && cfg.Listen == activityd.DefaultListen) {
		cfg.ListenProto = "unix"
		cfg.Listen = ""
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "activityd-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }
	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "activityd.sock")
	}

	srv, stop, err := activityd.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	cli, err := client.New("unix://" + cfg.Listen)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{
		Client:  cli,
		server:  srv,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Server returns the embedded server.
func (c *Client) Server() *activityd.Server {
	return c.server
}

// Close shuts down the embedded server and releases resources. It is safe to
// call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		_ = c.Client.Close()
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}
