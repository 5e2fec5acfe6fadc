package core

import (
	"context"
	"time"

	"pkt.systems/activityd/internal/uuidv7"
)

const journalWriteTimeout = 5 * time.Second

// runCycle drives one cycle: proposal, ack window, report to the master and,
// when anybody vetoed or stayed silent, the resume grace window.
func (s *Service) runCycle(cy *cycle) {
	defer s.workers.Done()
	defer close(cy.done)
	logger := s.cycleLogger.With("cycle_id", cy.id, "target", cy.target, "scope", cy.scope)

	proposed := s.registry.MatchingSlaves(cy.scope)
	delivered := s.fanout.Broadcast(proposed, Event{
		Kind:    EventTransitionProposed,
		CycleID: cy.id,
		Target:  cy.target,
		Scope:   cy.scope,
		At:      s.clock.Now(),
	})
	logger.Debug("cycle.proposed", "slaves", len(proposed), "delivered", delivered)

	select {
	case <-s.clock.After(cy.ackWindow):
	case <-cy.abort:
		return
	case <-s.closing:
		s.abandon(cy, windowReport{})
		return
	}
	// A Resume may abort the cycle right as T1 expires. Reporting under
	// cycleMu keeps an aborted cycle from reaching the master, and a clean
	// report commits before the lock is released.
	s.cycleMu.Lock()
	if cy.decided.Load() {
		s.cycleMu.Unlock()
		return
	}
	report := classify(s.registry.MatchingSlaves(cy.scope), cy.closeWindow())
	if master, ok := s.registry.Master(); ok {
		s.fanout.Deliver(master.ID, Event{
			Kind:    EventConsolidatedResult,
			CycleID: cy.id,
			Target:  cy.target,
			Scope:   cy.scope,
			Status:  report.status,
			Acked:   report.acked,
			Nacked:  report.nacked,
			NoAck:   report.noAck,
			At:      s.clock.Now(),
		})
	}
	var (
		rec       CycleRecord
		committed bool
	)
	if report.clean() {
		rec, committed = s.commitLocked(cy, report)
	}
	s.cycleMu.Unlock()
	logger.Info("cycle.window.closed",
		"status", report.status,
		"acked", len(report.acked),
		"nacked", len(report.nacked),
		"no_ack", len(report.noAck),
	)

	if report.clean() {
		if committed {
			s.finish(rec)
		}
		return
	}
	cy.phase.Store(PhaseGrace)
	logger.Info("cycle.grace.open", "resume_grace_ms", durationMillis(cy.resumeGrace))
	select {
	case <-s.clock.After(cy.resumeGrace):
		s.commit(cy, report)
	case <-cy.abort:
	case <-s.closing:
		s.abandon(cy, report)
	}
}

// commit applies the cycle target unless a Resume already decided the
// outcome.
func (s *Service) commit(cy *cycle, report windowReport) {
	s.cycleMu.Lock()
	rec, ok := s.commitLocked(cy, report)
	s.cycleMu.Unlock()
	if ok {
		s.finish(rec)
	}
}

// commitLocked is commit for callers holding cycleMu.
func (s *Service) commitLocked(cy *cycle, report windowReport) (CycleRecord, bool) {
	if !cy.decided.CompareAndSwap(false, true) {
		return CycleRecord{}, false
	}
	s.state.Commit(cy.scope, cy.target)
	s.active.CompareAndSwap(cy, nil)
	s.fanout.Broadcast(s.registry.MatchingSlaves(cy.scope), Event{
		Kind:    EventStateCommitted,
		CycleID: cy.id,
		Target:  cy.target,
		Scope:   cy.scope,
		At:      s.clock.Now(),
	})
	return s.record(cy, OutcomeCommitted, report), true
}

// abortLocked settles cy as aborted by a Resume and reports false when the
// outcome was already decided. Callers hold cycleMu.
func (s *Service) abortLocked(cy *cycle) (CycleRecord, bool) {
	if !cy.decided.CompareAndSwap(false, true) {
		return CycleRecord{}, false
	}
	close(cy.abort)
	s.active.CompareAndSwap(cy, nil)
	report := classify(s.registry.MatchingSlaves(cy.scope), cy.closeWindow())
	s.fanout.Broadcast(s.registry.MatchingSlaves(cy.scope), Event{
		Kind:    EventTransitionAborted,
		CycleID: cy.id,
		Target:  cy.target,
		Scope:   cy.scope,
		At:      s.clock.Now(),
	})
	return s.record(cy, OutcomeAborted, report), true
}

// abandon drops cy during shutdown without committing.
func (s *Service) abandon(cy *cycle, report windowReport) {
	s.cycleMu.Lock()
	if !cy.decided.CompareAndSwap(false, true) {
		s.cycleMu.Unlock()
		return
	}
	cy.closeWindow()
	s.active.CompareAndSwap(cy, nil)
	s.cycleMu.Unlock()
	s.finish(s.record(cy, OutcomeAbandoned, report))
}

// fastResumeLocked commits Resume without ack collection; leaving a
// degraded state needs no consensus. Callers hold cycleMu.
func (s *Service) fastResumeLocked(scope Scope) CycleRecord {
	now := s.clock.Now()
	id := uuidv7.NewString()
	s.state.Commit(scope, StateResume)
	s.fanout.Broadcast(s.registry.MatchingSlaves(scope), Event{
		Kind:    EventStateCommitted,
		CycleID: id,
		Target:  StateResume,
		Scope:   scope,
		At:      now,
	})
	return CycleRecord{
		ID:         id,
		Target:     StateResume,
		Scope:      scope,
		Outcome:    OutcomeCommitted,
		FastPath:   true,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (s *Service) record(cy *cycle, outcome CycleOutcome, report windowReport) CycleRecord {
	return CycleRecord{
		ID:         cy.id,
		Target:     cy.target,
		Scope:      cy.scope,
		Outcome:    outcome,
		Status:     report.status,
		Acked:      report.acked,
		Nacked:     report.nacked,
		NoAck:      report.noAck,
		StartedAt:  cy.startedAt,
		FinishedAt: s.clock.Now(),
	}
}

// finish logs, measures and journals a settled cycle. It runs outside
// cycleMu.
func (s *Service) finish(rec CycleRecord) {
	s.metrics.recordFinished(rec)
	s.cycleLogger.Info("cycle.finished",
		"cycle_id", rec.ID,
		"target", rec.Target,
		"scope", rec.Scope,
		"outcome", rec.Outcome,
		"status", statusLabel(rec.Status),
		"fast_path", rec.FastPath,
		"elapsed", rec.FinishedAt.Sub(rec.StartedAt),
	)
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := s.journal.RecordCycle(ctx, rec); err != nil {
		s.cycleLogger.Warn("journal.record.failed", "cycle_id", rec.ID, "error", err)
	}
}
