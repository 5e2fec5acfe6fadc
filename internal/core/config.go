package core

import (
	"time"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/pslog"
)

const (
	// DefaultAckWindow is the T1 window during which slave verdicts count.
	DefaultAckWindow = 2 * time.Second
	// DefaultResumeGrace is the T2 window in which a Resume can still veto
	// a transition that collected nacks or silence.
	DefaultResumeGrace = 10 * time.Second
	// DefaultHistoryLimit bounds the in-memory cycle history.
	DefaultHistoryLimit = 256
)

// Config captures the dependencies and behavioural knobs required by the
// coordinator. It is transport agnostic.
type Config struct {
	AckWindow    time.Duration
	ResumeGrace  time.Duration
	EventBuffer  int
	InitialState State
	// Machine names the host the coordinator runs on; reported in status.
	Machine string
	// Journal receives finished cycles. Nil keeps an in-memory history.
	Journal Journal
	Logger  pslog.Logger
	Clock   clock.Clock
}

func (c *Config) applyDefaults() {
	if c.AckWindow <= 0 {
		c.AckWindow = DefaultAckWindow
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = DefaultResumeGrace
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	switch c.InitialState {
	case StateResume, StateSuspend, StateShutdown:
	default:
		c.InitialState = StateResume
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Journal == nil {
		c.Journal = NewMemoryJournal(DefaultHistoryLimit)
	}
}
