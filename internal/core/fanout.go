package core

import (
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// DefaultEventBuffer bounds each client mailbox.
const DefaultEventBuffer = 64

// Fanout owns one bounded mailbox per connected client. Sends never block:
// a full mailbox drops the event.
type Fanout struct {
	mu        sync.RWMutex
	mailboxes map[ClientID]chan Event
	buffer    int
	seq       atomic.Uint64
	logger    pslog.Logger
	metrics   *coreMetrics
}

func newFanout(buffer int, logger pslog.Logger, metrics *coreMetrics) *Fanout {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Fanout{
		mailboxes: make(map[ClientID]chan Event),
		buffer:    buffer,
		logger:    logger,
		metrics:   metrics,
	}
}

func (f *Fanout) open(id ClientID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mailboxes[id]; ok {
		return
	}
	f.mailboxes[id] = make(chan Event, f.buffer)
}

func (f *Fanout) close(id ClientID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.mailboxes[id]
	if !ok {
		return
	}
	delete(f.mailboxes, id)
	close(ch)
}

func (f *Fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.mailboxes {
		delete(f.mailboxes, id)
		close(ch)
	}
}

// Events returns the mailbox of id. The channel closes on disconnect.
func (f *Fanout) Events(id ClientID) (<-chan Event, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.mailboxes[id]
	return ch, ok
}

// Deliver pushes ev to a single client and reports whether it was queued.
func (f *Fanout) Deliver(id ClientID, ev Event) bool {
	ev.Seq = f.seq.Add(1)
	return f.deliver(id, ev)
}

// Broadcast pushes ev to every listed client and returns the number of
// mailboxes that accepted it.
func (f *Fanout) Broadcast(targets []Client, ev Event) int {
	ev.Seq = f.seq.Add(1)
	delivered := 0
	for _, c := range targets {
		if f.deliver(c.ID, ev) {
			delivered++
		}
	}
	return delivered
}

func (f *Fanout) deliver(id ClientID, ev Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.mailboxes[id]
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		f.metrics.recordDropped(string(ev.Kind))
		f.logger.Warn("fanout.mailbox.full", "client_id", id, "kind", ev.Kind, "seq", ev.Seq)
		return false
	}
}
