// Package connguard temporarily blocks peers that keep sending traffic the
// daemon cannot use: silent TCP connects on the API listeners and malformed
// requests on the local socket.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls guard enforcement.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a peer. Zero disables blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting failures.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked peer remains blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds how long a TCP peer may stay silent after connecting.
	ProbeTimeout time.Duration
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per peer key. A nil Guard allows everything.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	mu     sync.Mutex
	peers  map[string]*peerState
}

// New constructs a guard. A nil clk uses the wall clock.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(svcfields.EnsureLogger(logger), "server.connguard"),
		clock:  clk,
		peers:  make(map[string]*peerState),
	}
}

// Fail records a failure for peer and reports whether the peer is now blocked.
func (g *Guard) Fail(peer, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	peer = normalizePeer(peer)
	if peer == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.peers[peer]
	if state == nil {
		state = &peerState{}
		g.peers[peer] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"peer", peer,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.blocked",
		"peer", peer,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether peer is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(peer string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	peer = normalizePeer(peer)
	if peer == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.peers[peer]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.released", "peer", peer)
	if len(state.failures) == 0 {
		delete(g.peers, peer)
	}
	return false
}

// normalizePeer strips the port from host:port addresses.
func normalizePeer(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// WrapListener returns a listener that drops blocked peers and counts
// connections that send nothing within ProbeTimeout. Screening runs per
// connection so a silent peer never stalls Accept.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{
		Listener: ln,
		guard:    g,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
	}
}

type guardedListener struct {
	net.Listener
	guard *Guard

	startOnce sync.Once
	conns     chan net.Conn
	done      chan struct{}
	err       error
}

// Accept returns the next connection that passed screening.
func (l *guardedListener) Accept() (net.Conn, error) {
	l.startOnce.Do(func() { go l.acceptLoop() })
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, l.err
	}
}

func (l *guardedListener) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.err = err
			close(l.done)
			return
		}
		go func() {
			accepted, err := l.screen(conn)
			if err != nil {
				_ = conn.Close()
				return
			}
			select {
			case l.conns <- accepted:
			case <-l.done:
				_ = conn.Close()
			}
		}()
	}
}

func (l *guardedListener) screen(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Warn("connguard.rejected", "peer", normalizePeer(remote))
		return nil, errors.New("connection blocked")
	}
	timeout := l.guard.cfg.ProbeTimeout
	if timeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return conn, nil
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		l.guard.Fail(remote, "zero_connect")
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, nil
}

type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
