package core

import (
	"context"
	"testing"
	"time"

	"pkt.systems/activityd/internal/clock"
)

const (
	testAckWindow   = 2 * time.Second
	testResumeGrace = 10 * time.Second
	testWait        = 2 * time.Second
)

func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := New(Config{
		Clock:       clk,
		AckWindow:   testAckWindow,
		ResumeGrace: testResumeGrace,
		Machine:     "test-host",
	})
	t.Cleanup(svc.Close)
	return svc, clk
}

func connect(t *testing.T, svc *Service, role Role, scope Scope, name string) Client {
	t.Helper()
	res, err := svc.Connect(context.Background(), ConnectCommand{Role: role, Scope: scope, Name: name})
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return res.Client
}

func events(t *testing.T, svc *Service, id ClientID) <-chan Event {
	t.Helper()
	ch, err := svc.Events(id)
	if err != nil {
		t.Fatalf("events %s: %v", id, err)
	}
	return ch
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(testWait):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitTimers(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	if !clk.BlockUntil(n, testWait) {
		t.Fatalf("expected %d pending timers, have %d", n, clk.Pending())
	}
}

func requestTransition(t *testing.T, svc *Service, master Client, target State, scope Scope) (*TransitionResult, *cycle) {
	t.Helper()
	res, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: target, Scope: scope})
	if err != nil {
		t.Fatalf("request %s/%s: %v", target, scope, err)
	}
	return res, svc.active.Load()
}

func waitDone(t *testing.T, cy *cycle) {
	t.Helper()
	select {
	case <-cy.done:
	case <-time.After(testWait):
		t.Fatalf("cycle %s did not finish", cy.id)
	}
}

func ack(t *testing.T, svc *Service, c Client, v Verdict) *AckResult {
	t.Helper()
	res, err := svc.SubmitAck(context.Background(), AckCommand{ClientID: c.ID, Verdict: v})
	if err != nil {
		t.Fatalf("ack from %s: %v", c.Name, err)
	}
	return res
}

func refIDs(refs []ClientRef) []ClientID {
	out := make([]ClientID, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func TestFastCommitWhenEveryoneAcks(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	b := connect(t, svc, RoleSlave, ScopeAll, "b")
	aEvents := events(t, svc, a.ID)
	masterEvents := events(t, svc, master.ID)

	res, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	if res.Outcome != OutcomePending || res.CycleID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventTransitionProposed || ev.Target != StateSuspend {
		t.Fatalf("expected proposal, got %+v", ev)
	}
	waitTimers(t, clk, 1)
	if got := ack(t, svc, a, AckSuspend); !got.Recorded {
		t.Fatalf("ack not recorded: %+v", got)
	}
	if got := ack(t, svc, b, AckSuspend); got.Recorded || got.Reason != ackReasonOutOfScope {
		t.Fatalf("expected out of scope ack from ALL slave, got %+v", got)
	}
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	if clk.Pending() != 0 {
		t.Fatalf("grace window opened on a clean cycle")
	}
	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateSuspend {
		t.Fatalf("expected local suspend, got %s", st)
	}
	report := nextEvent(t, masterEvents)
	if report.Kind != EventConsolidatedResult || report.Status != StatusSuccess {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Nacked) != 0 || len(report.NoAck) != 0 {
		t.Fatalf("expected empty veto lists, got %+v", report)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventStateCommitted || ev.Target != StateSuspend || ev.Scope != ScopeLocal {
		t.Fatalf("expected commit event, got %+v", ev)
	}
}

func TestSilentSlaveCommitsAfterGrace(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	b := connect(t, svc, RoleSlave, ScopeLocal, "b")
	masterEvents := events(t, svc, master.ID)
	aEvents := events(t, svc, a.ID)
	bEvents := events(t, svc, b.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	clk.Advance(500 * time.Millisecond)
	ack(t, svc, a, AckSuspend)
	clk.Advance(1500 * time.Millisecond)

	report := nextEvent(t, masterEvents)
	if report.Kind != EventConsolidatedResult {
		t.Fatalf("expected consolidated result, got %+v", report)
	}
	if ids := refIDs(report.NoAck); len(ids) != 1 || ids[0] != b.ID {
		t.Fatalf("expected no-ack [%s], got %v", b.ID, ids)
	}
	if report.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", report.Status)
	}
	waitTimers(t, clk, 1)
	if st := svc.Status(); st.Cycle == nil || st.Cycle.Phase != PhaseGrace {
		t.Fatalf("expected grace phase, got %+v", st.Cycle)
	}
	clk.Advance(testResumeGrace - time.Millisecond)
	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateResume {
		t.Fatalf("committed before grace elapsed: %s", st)
	}
	clk.Advance(time.Millisecond)
	waitDone(t, cy)

	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateSuspend {
		t.Fatalf("expected suspend after grace, got %s", st)
	}
	for _, ch := range []<-chan Event{aEvents, bEvents} {
		if ev := nextEvent(t, ch); ev.Kind != EventTransitionProposed {
			t.Fatalf("expected proposal, got %+v", ev)
		}
		if ev := nextEvent(t, ch); ev.Kind != EventStateCommitted || ev.Target != StateSuspend {
			t.Fatalf("expected commit, got %+v", ev)
		}
	}
}

func TestResumeDuringGraceAbortsTransition(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	b := connect(t, svc, RoleSlave, ScopeLocal, "b")
	aEvents := events(t, svc, a.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	ack(t, svc, a, AckSuspend)
	ack(t, svc, b, NackSuspend)
	clk.Advance(testAckWindow)
	waitTimers(t, clk, 1)
	clk.Advance(9 * time.Second)

	res, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateResume, Scope: ScopeLocal})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Outcome != OutcomeAborted || res.CycleID != cy.id {
		t.Fatalf("expected aborted cycle %s, got %+v", cy.id, res)
	}
	waitDone(t, cy)
	clk.Advance(testResumeGrace)

	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateResume {
		t.Fatalf("expected state unchanged, got %s", st)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventTransitionProposed {
		t.Fatalf("expected proposal, got %+v", ev)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventTransitionAborted {
		t.Fatalf("expected abort event, got %+v", ev)
	}
	expectNoEvent(t, aEvents)

	history, err := svc.History(context.Background(), 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %v %+v", err, history)
	}
	if history[0].Outcome != OutcomeAborted || len(history[0].Nacked) != 1 {
		t.Fatalf("unexpected history record %+v", history[0])
	}
}

func TestResumeDuringAckWindowAbortsTransition(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeAll, "master")
	a := connect(t, svc, RoleSlave, ScopeAll, "a")

	_, cy := requestTransition(t, svc, master, StateShutdown, ScopeAll)
	waitTimers(t, clk, 1)
	res, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateResume, Scope: ScopeAll})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("expected abort, got %+v", res)
	}
	waitDone(t, cy)
	if got := ack(t, svc, a, AckShutdown); got.Recorded {
		t.Fatalf("ack recorded after abort: %+v", got)
	}
	if st := svc.Status().State; st.All != StateResume || st.Local != StateResume {
		t.Fatalf("expected untouched state, got %+v", st)
	}
}

func TestResumeRacingWindowCloseNeverReportsAbortedCycle(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc, clk := newTestService(t)
		master := connect(t, svc, RoleMaster, ScopeLocal, "master")
		a := connect(t, svc, RoleSlave, ScopeLocal, "a")
		masterEvents := events(t, svc, master.ID)

		_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
		waitTimers(t, clk, 1)
		ack(t, svc, a, AckSuspend)

		go clk.Advance(testAckWindow)
		res, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateResume, Scope: ScopeLocal})
		if err != nil {
			t.Fatalf("round %d: resume: %v", i, err)
		}
		waitDone(t, cy)

		switch res.Outcome {
		case OutcomeAborted:
			expectNoEvent(t, masterEvents)
		case OutcomeCommitted:
			if ev := nextEvent(t, masterEvents); ev.Kind != EventConsolidatedResult || ev.CycleID != cy.id || ev.Status != StatusSuccess {
				t.Fatalf("round %d: expected success report before resume, got %+v", i, ev)
			}
		default:
			t.Fatalf("round %d: unexpected resume outcome %+v", i, res)
		}
		if st, _ := svc.QueryInitialState(ScopeLocal); st != StateResume {
			t.Fatalf("round %d: expected local resume, got %s", i, st)
		}
		svc.Close()
	}
}

func TestLateAckIsVoid(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	masterEvents := events(t, svc, master.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	clk.Advance(testAckWindow)
	report := nextEvent(t, masterEvents)
	if len(report.NoAck) != 1 {
		t.Fatalf("expected silent slave, got %+v", report)
	}

	late := ack(t, svc, a, AckSuspend)
	if late.Recorded || late.Reason != ackReasonWindowClosed {
		t.Fatalf("late ack should be dropped, got %+v", late)
	}
	waitTimers(t, clk, 1)
	clk.Advance(testResumeGrace)
	waitDone(t, cy)

	history, _ := svc.History(context.Background(), 1)
	if len(history) != 1 {
		t.Fatalf("expected one record, got %d", len(history))
	}
	rec := history[0]
	if rec.Outcome != OutcomeCommitted || len(rec.Acked) != 0 || len(rec.NoAck) != 1 {
		t.Fatalf("late ack leaked into record: %+v", rec)
	}
}

func TestAllCommitOverwritesLocal(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeAll, "master")

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeAll)
	waitTimers(t, clk, 1)
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	for _, scope := range []Scope{ScopeLocal, ScopeAll} {
		if st, _ := svc.QueryInitialState(scope); st != StateSuspend {
			t.Fatalf("expected %s suspend, got %s", scope, st)
		}
	}
	late, err := svc.Connect(context.Background(), ConnectCommand{Role: RoleSlave, Scope: ScopeLocal, Name: "late"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if late.State != StateSuspend {
		t.Fatalf("late joiner should learn suspend, got %s", late.State)
	}
}

func TestSingleMaster(t *testing.T) {
	svc, _ := newTestService(t)
	first := connect(t, svc, RoleMaster, ScopeLocal, "first")
	_, err := svc.Connect(context.Background(), ConnectCommand{Role: RoleMaster, Scope: ScopeAll, Name: "second"})
	if !IsCode(err, CodeDuplicateMaster) {
		t.Fatalf("expected duplicate master, got %v", err)
	}
	if masters, slaves := svc.registry.Counts(); masters != 1 || slaves != 0 {
		t.Fatalf("registry changed on rejection: %d masters %d slaves", masters, slaves)
	}
	if err := svc.Disconnect(context.Background(), first.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	connect(t, svc, RoleMaster, ScopeAll, "second")
}

func TestResumeWhenResumedIsIncompatible(t *testing.T) {
	svc, _ := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	aEvents := events(t, svc, a.ID)

	_, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateResume, Scope: ScopeLocal})
	if !IsCode(err, CodeIncompatibleState) {
		t.Fatalf("expected incompatible state, got %v", err)
	}
	expectNoEvent(t, aEvents)
}

func TestRequestSameStateIsIncompatible(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	_, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateSuspend, Scope: ScopeLocal})
	if !IsCode(err, CodeIncompatibleState) {
		t.Fatalf("suspend from suspend: expected incompatible state, got %v", err)
	}
}

func TestShutdownFromSuspendCommits(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	aEvents := events(t, svc, a.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	nextEvent(t, aEvents)
	waitTimers(t, clk, 1)
	ack(t, svc, a, AckSuspend)
	clk.Advance(testAckWindow)
	waitDone(t, cy)
	if ev := nextEvent(t, aEvents); ev.Kind != EventStateCommitted || ev.Target != StateSuspend {
		t.Fatalf("expected suspend commit, got %+v", ev)
	}

	res, cy := requestTransition(t, svc, master, StateShutdown, ScopeLocal)
	if res.Outcome != OutcomePending {
		t.Fatalf("shutdown from suspend should open a cycle, got %+v", res)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventTransitionProposed || ev.Target != StateShutdown {
		t.Fatalf("expected shutdown proposal, got %+v", ev)
	}
	waitTimers(t, clk, 1)
	if got := ack(t, svc, a, AckShutdown); !got.Recorded {
		t.Fatalf("ack not recorded: %+v", got)
	}
	clk.Advance(testAckWindow)
	waitDone(t, cy)
	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateShutdown {
		t.Fatalf("expected local shutdown, got %s", st)
	}
}

func TestAckVerdictIsNormalized(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	masterEvents := events(t, svc, master.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	if got := ack(t, svc, a, Verdict(" ACK_SUSPEND ")); !got.Recorded {
		t.Fatalf("ack not recorded: %+v", got)
	}
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	report := nextEvent(t, masterEvents)
	if report.Status != StatusSuccess || len(report.Acked) != 1 || len(report.Nacked) != 0 {
		t.Fatalf("upper-case ack should count as ack, got %+v", report)
	}
}

func TestFastResumeCommitsImmediately(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	aEvents := events(t, svc, a.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	ack(t, svc, a, AckSuspend)
	clk.Advance(testAckWindow)
	waitDone(t, cy)
	nextEvent(t, aEvents)
	nextEvent(t, aEvents)

	res, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: StateResume, Scope: ScopeLocal})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Outcome != OutcomeCommitted || res.State.Local != StateResume {
		t.Fatalf("unexpected resume result %+v", res)
	}
	if ev := nextEvent(t, aEvents); ev.Kind != EventStateCommitted || ev.Target != StateResume {
		t.Fatalf("expected resume commit event, got %+v", ev)
	}
	if clk.Pending() != 0 {
		t.Fatal("fast resume should not open windows")
	}
	history, _ := svc.History(context.Background(), 1)
	if len(history) != 1 || !history[0].FastPath {
		t.Fatalf("expected fast path record, got %+v", history)
	}
}

func TestBusyWhileCycleOpen(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeAll, "master")
	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)

	cases := []struct {
		target State
		scope  Scope
	}{
		{StateShutdown, ScopeLocal},
		{StateSuspend, ScopeAll},
		{StateResume, ScopeAll},
	}
	for _, tc := range cases {
		_, err := svc.RequestTransition(context.Background(), TransitionCommand{ClientID: master.ID, Target: tc.target, Scope: tc.scope})
		if !IsCode(err, CodeBusy) {
			t.Fatalf("%s/%s: expected busy, got %v", tc.target, tc.scope, err)
		}
	}
	clk.Advance(testAckWindow)
	waitDone(t, cy)
}

func TestRequestValidation(t *testing.T) {
	svc, _ := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	slave := connect(t, svc, RoleSlave, ScopeLocal, "slave")

	cases := []struct {
		name string
		cmd  TransitionCommand
		code string
	}{
		{"slave", TransitionCommand{ClientID: slave.ID, Target: StateSuspend, Scope: ScopeLocal}, CodeNotMaster},
		{"unknown client", TransitionCommand{ClientID: "nope", Target: StateSuspend, Scope: ScopeLocal}, CodeUnknownClient},
		{"unknown target", TransitionCommand{ClientID: master.ID, Target: StateUnknown, Scope: ScopeLocal}, CodeRequestNotSupported},
		{"bad scope", TransitionCommand{ClientID: master.ID, Target: StateSuspend, Scope: "moon"}, CodeInvalidScope},
	}
	for _, tc := range cases {
		_, err := svc.RequestTransition(context.Background(), tc.cmd)
		if !IsCode(err, tc.code) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestDeregisteredSlaveLeavesEveryList(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	b := connect(t, svc, RoleSlave, ScopeLocal, "b")
	masterEvents := events(t, svc, master.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	ack(t, svc, a, AckSuspend)
	ack(t, svc, b, NackSuspend)
	if err := svc.Disconnect(context.Background(), b.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	report := nextEvent(t, masterEvents)
	if report.Status != StatusSuccess || len(report.Nacked) != 0 || len(report.NoAck) != 0 {
		t.Fatalf("departed slave still reported: %+v", report)
	}
	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateSuspend {
		t.Fatalf("expected immediate commit, got %s", st)
	}
}

func TestLateJoinerDuringWindowCountsAsSilent(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	masterEvents := events(t, svc, master.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	joiner := connect(t, svc, RoleSlave, ScopeLocal, "joiner")
	clk.Advance(testAckWindow)

	report := nextEvent(t, masterEvents)
	if ids := refIDs(report.NoAck); len(ids) != 1 || ids[0] != joiner.ID {
		t.Fatalf("expected joiner as no-ack, got %v", ids)
	}
	waitTimers(t, clk, 1)
	clk.Advance(testResumeGrace)
	waitDone(t, cy)
}

func TestVerdictPolarityDecidesAndLatestWins(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	b := connect(t, svc, RoleSlave, ScopeLocal, "b")
	masterEvents := events(t, svc, master.ID)

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	ack(t, svc, a, NackSuspend)
	ack(t, svc, a, AckSuspend)
	ack(t, svc, b, AckShutdown)
	clk.Advance(testAckWindow)
	waitDone(t, cy)

	report := nextEvent(t, masterEvents)
	if report.Status != StatusSuccess || len(report.Acked) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestMasterAndUnknownAcksIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")

	if got := ack(t, svc, master, AckSuspend); got.Recorded || got.Reason != ackReasonNotSlave {
		t.Fatalf("master ack: %+v", got)
	}
	res, err := svc.SubmitAck(context.Background(), AckCommand{ClientID: "ghost", Verdict: AckSuspend})
	if err != nil || res.Recorded || res.Reason != ackReasonUnknownClient {
		t.Fatalf("unknown ack: %+v %v", res, err)
	}
	slave := connect(t, svc, RoleSlave, ScopeLocal, "s")
	if got := ack(t, svc, slave, AckSuspend); got.Reason != ackReasonNoCycle {
		t.Fatalf("ack without cycle: %+v", got)
	}
	if _, err := svc.SubmitAck(context.Background(), AckCommand{ClientID: slave.ID, Verdict: "maybe"}); !IsCode(err, CodeInvalidVerdict) {
		t.Fatalf("expected invalid verdict, got %v", err)
	}
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Disconnect(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestDisconnectClosesMailbox(t *testing.T) {
	svc, _ := newTestService(t)
	slave := connect(t, svc, RoleSlave, ScopeAll, "s")
	ch := events(t, svc, slave.ID)
	if err := svc.Disconnect(context.Background(), slave.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(testWait):
		t.Fatal("mailbox not closed")
	}
	if _, err := svc.Events(slave.ID); !IsCode(err, CodeUnknownClient) {
		t.Fatalf("expected unknown client, got %v", err)
	}
}

func TestMachineUpdateReachesMaster(t *testing.T) {
	svc, _ := newTestService(t)
	delivered, err := svc.ReportMachine(context.Background(), "vm-2", false)
	if err != nil || delivered {
		t.Fatalf("without master: delivered=%v err=%v", delivered, err)
	}
	master := connect(t, svc, RoleMaster, ScopeAll, "master")
	ch := events(t, svc, master.ID)
	delivered, err = svc.ReportMachine(context.Background(), "vm-2", true)
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	ev := nextEvent(t, ch)
	if ev.Kind != EventMachineUpdate || ev.Machine != "vm-2" || ev.Available == nil || !*ev.Available {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := svc.ReportMachine(context.Background(), " ", true); err == nil {
		t.Fatal("expected error for empty machine")
	}
}

func TestCloseAbandonsOpenCycle(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	connect(t, svc, RoleSlave, ScopeLocal, "a")

	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	svc.Close()
	waitDone(t, cy)

	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateResume {
		t.Fatalf("abandoned cycle committed: %s", st)
	}
	history, _ := svc.History(context.Background(), 0)
	if len(history) != 1 || history[0].Outcome != OutcomeAbandoned {
		t.Fatalf("expected abandoned record, got %+v", history)
	}
	if _, err := svc.Connect(context.Background(), ConnectCommand{Role: RoleSlave, Scope: ScopeLocal}); !IsCode(err, CodeClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestSetTimingsAppliesToNextCycle(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	svc.SetTimings(500*time.Millisecond, 0)
	ackWindow, grace := svc.Timings()
	if ackWindow != 500*time.Millisecond || grace != testResumeGrace {
		t.Fatalf("unexpected timings %v %v", ackWindow, grace)
	}
	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	clk.Advance(500 * time.Millisecond)
	waitDone(t, cy)
	if st, _ := svc.QueryInitialState(ScopeLocal); st != StateSuspend {
		t.Fatalf("expected commit after shortened window, got %s", st)
	}
}

func TestStatusReportsRegistryAndCycle(t *testing.T) {
	svc, clk := newTestService(t)
	master := connect(t, svc, RoleMaster, ScopeLocal, "master")
	a := connect(t, svc, RoleSlave, ScopeLocal, "a")
	_, cy := requestTransition(t, svc, master, StateSuspend, ScopeLocal)
	waitTimers(t, clk, 1)
	ack(t, svc, a, NackSuspend)

	st := svc.Status()
	if st.Master == nil || st.Master.ID != master.ID || len(st.Slaves) != 1 {
		t.Fatalf("unexpected registry view %+v", st)
	}
	if st.Cycle == nil || st.Cycle.ID != cy.id || st.Cycle.Phase != PhaseCollecting || st.Cycle.Nacked != 1 {
		t.Fatalf("unexpected cycle view %+v", st.Cycle)
	}
	if st.Machine != "test-host" || st.AckWindow != testAckWindow {
		t.Fatalf("unexpected config view %+v", st)
	}
}
