package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// cycle is one bounded attempt to move a scope to a new state. Ack
// bookkeeping is guarded by ackMu only; the arbitration never holds it.
type cycle struct {
	id          string
	target      State
	scope       Scope
	startedAt   time.Time
	ackWindow   time.Duration
	resumeGrace time.Duration

	ackMu       sync.Mutex
	considerAck bool
	verdicts    map[ClientID]Verdict

	phase   atomic.Value // CyclePhase
	decided atomic.Bool
	abort   chan struct{}
	done    chan struct{}
}

func newCycle(id string, target State, scope Scope, now time.Time, ackWindow, resumeGrace time.Duration) *cycle {
	c := &cycle{
		id:          id,
		target:      target,
		scope:       scope,
		startedAt:   now,
		ackWindow:   ackWindow,
		resumeGrace: resumeGrace,
		considerAck: true,
		verdicts:    make(map[ClientID]Verdict),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.phase.Store(PhaseCollecting)
	return c
}

// recordAck stores the latest verdict of id while the ack window is open.
func (c *cycle) recordAck(id ClientID, v Verdict) bool {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if !c.considerAck {
		return false
	}
	c.verdicts[id] = v
	return true
}

// closeWindow stops accepting acks and returns a copy of what was recorded.
func (c *cycle) closeWindow() map[ClientID]Verdict {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	c.considerAck = false
	out := make(map[ClientID]Verdict, len(c.verdicts))
	for id, v := range c.verdicts {
		out[id] = v
	}
	return out
}

func (c *cycle) counts() (acked, nacked int) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for _, v := range c.verdicts {
		if v.Positive() {
			acked++
		} else {
			nacked++
		}
	}
	return acked, nacked
}

func (c *cycle) currentPhase() CyclePhase {
	if p, ok := c.phase.Load().(CyclePhase); ok {
		return p
	}
	return PhaseCollecting
}

// windowReport classifies the matching slaves at the moment T1 closes.
type windowReport struct {
	acked  []ClientRef
	nacked []ClientRef
	noAck  []ClientRef
	status ConsolidatedStatus
}

func (r windowReport) clean() bool {
	return len(r.nacked) == 0 && len(r.noAck) == 0
}

// classify sorts matching slaves into acked, nacked and silent. Verdicts
// from clients no longer matching are ignored.
func classify(matching []Client, verdicts map[ClientID]Verdict) windowReport {
	var r windowReport
	for _, c := range matching {
		v, ok := verdicts[c.ID]
		switch {
		case !ok:
			r.noAck = append(r.noAck, c.Ref())
		case v.Positive():
			r.acked = append(r.acked, c.Ref())
		default:
			r.nacked = append(r.nacked, c.Ref())
		}
	}
	r.status = consolidate(len(r.nacked), len(r.noAck))
	return r
}

// consolidate picks the status reported to the master. When both vetoes and
// silence are present the larger group decides; ties count as not ready.
func consolidate(nacked, silent int) ConsolidatedStatus {
	switch {
	case nacked == 0 && silent == 0:
		return StatusSuccess
	case nacked >= silent:
		return StatusNotReady
	default:
		return StatusExpired
	}
}
