package core

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Service coordinates activity-state transitions between one master and
// its slaves. Construct one per process with New and hand it to transports.
type Service struct {
	registry *Registry
	fanout   *Fanout
	state    *StateStore
	journal  Journal
	clock    clock.Clock
	metrics  *coreMetrics
	machine  string

	logger      pslog.Logger
	cycleLogger pslog.Logger

	timingMu    sync.RWMutex
	ackWindow   time.Duration
	resumeGrace time.Duration

	// cycleMu serializes cycle start, the T1 report, abort and commit. It
	// is never held while waiting on a window.
	cycleMu sync.Mutex
	active  atomic.Pointer[cycle]

	closed    atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// New constructs the coordinator with defaults applied.
func New(cfg Config) *Service {
	cfg.applyDefaults()
	logger := svcfields.EnsureLogger(cfg.Logger)
	metrics := newCoreMetrics(logger)
	return &Service{
		registry:    NewRegistry(),
		fanout:      newFanout(cfg.EventBuffer, svcfields.WithSubsystem(logger, svcfields.CoreFanout), metrics),
		state:       NewStateStore(cfg.InitialState),
		journal:     cfg.Journal,
		clock:       cfg.Clock,
		metrics:     metrics,
		machine:     cfg.Machine,
		logger:      svcfields.WithSubsystem(logger, svcfields.CoreRegistry),
		cycleLogger: svcfields.WithSubsystem(logger, svcfields.CoreCycle),
		ackWindow:   cfg.AckWindow,
		resumeGrace: cfg.ResumeGrace,
		closing:     make(chan struct{}),
	}
}

// ConnectCommand registers a client.
type ConnectCommand struct {
	Role  Role
	Scope Scope
	Name  string
}

// ConnectResult returns the new client and the committed state of its scope.
type ConnectResult struct {
	Client Client
	State  State
}

// Connect registers a master or slave and opens its event mailbox.
func (s *Service) Connect(ctx context.Context, cmd ConnectCommand) (*ConnectResult, error) {
	if s.closed.Load() {
		return nil, errClosed()
	}
	if cmd.Role != RoleMaster && cmd.Role != RoleSlave {
		return nil, invalidRole(string(cmd.Role))
	}
	if cmd.Scope != ScopeLocal && cmd.Scope != ScopeAll {
		return nil, invalidScope(string(cmd.Scope))
	}
	c := Client{
		ID:          NewClientID(),
		Name:        strings.TrimSpace(cmd.Name),
		Role:        cmd.Role,
		Scope:       cmd.Scope,
		ConnectedAt: s.clock.Now(),
	}
	s.fanout.open(c.ID)
	if err := s.registry.Register(c); err != nil {
		s.fanout.close(c.ID)
		s.logger.Info("client.connect.rejected", "role", c.Role, "scope", c.Scope, "name", c.Name, "error", err)
		return nil, err
	}
	s.metrics.addClient(c.Role, 1)
	s.logger.Info("client.connected", "client_id", c.ID, "role", c.Role, "scope", c.Scope, "name", c.Name)
	return &ConnectResult{Client: c, State: s.state.Get(c.Scope)}, nil
}

// Disconnect removes a client. Unknown ids are logged and ignored because
// disconnects race with crash cleanup.
func (s *Service) Disconnect(ctx context.Context, id ClientID) error {
	c, ok := s.registry.Deregister(id)
	if !ok {
		s.logger.Debug("client.disconnect.unknown", "client_id", id)
		return nil
	}
	s.fanout.close(id)
	s.metrics.addClient(c.Role, -1)
	s.logger.Info("client.disconnected", "client_id", id, "role", c.Role, "scope", c.Scope, "name", c.Name)
	return nil
}

// QueryInitialState returns the committed state of scope.
func (s *Service) QueryInitialState(scope Scope) (State, error) {
	if scope != ScopeLocal && scope != ScopeAll {
		return StateUnknown, invalidScope(string(scope))
	}
	return s.state.Get(scope), nil
}

// Client returns the registered client with id.
func (s *Service) Client(id ClientID) (Client, error) {
	c, ok := s.registry.Lookup(id)
	if !ok {
		return Client{}, unknownClient(id)
	}
	return c, nil
}

// Events returns the mailbox of id. The channel closes when the client
// disconnects or the service closes.
func (s *Service) Events(id ClientID) (<-chan Event, error) {
	if _, ok := s.registry.Lookup(id); !ok {
		return nil, unknownClient(id)
	}
	ch, ok := s.fanout.Events(id)
	if !ok {
		return nil, unknownClient(id)
	}
	return ch, nil
}

// TransitionCommand asks the coordinator to move scope to target.
type TransitionCommand struct {
	ClientID ClientID
	Target   State
	Scope    Scope
}

// TransitionResult reports how a request was handled. Pending means a cycle
// was opened and its outcome follows asynchronously.
type TransitionResult struct {
	CycleID string
	Outcome CycleOutcome
	State   MachineState
}

// RequestTransition handles a master request. A Resume for the scope of the
// open cycle aborts it; any other request during a cycle is busy.
func (s *Service) RequestTransition(ctx context.Context, cmd TransitionCommand) (*TransitionResult, error) {
	if s.closed.Load() {
		return nil, errClosed()
	}
	c, ok := s.registry.Lookup(cmd.ClientID)
	if !ok {
		return nil, unknownClient(cmd.ClientID)
	}
	if c.Role != RoleMaster {
		return nil, notMaster(cmd.ClientID)
	}
	switch cmd.Target {
	case StateResume, StateSuspend, StateShutdown:
	default:
		return nil, requestNotSupported(cmd.Target)
	}
	if cmd.Scope != ScopeLocal && cmd.Scope != ScopeAll {
		return nil, invalidScope(string(cmd.Scope))
	}

	s.cycleMu.Lock()
	if s.closed.Load() {
		s.cycleMu.Unlock()
		return nil, errClosed()
	}
	if open := s.active.Load(); open != nil {
		if cmd.Target != StateResume || cmd.Scope != open.scope {
			s.cycleMu.Unlock()
			return nil, busy(open.id)
		}
		rec, ok := s.abortLocked(open)
		s.cycleMu.Unlock()
		if !ok {
			return nil, busy(open.id)
		}
		s.finish(rec)
		return &TransitionResult{CycleID: open.id, Outcome: OutcomeAborted, State: s.state.Snapshot()}, nil
	}

	if cmd.Target == StateResume {
		if s.state.Resumed(cmd.Scope) {
			s.cycleMu.Unlock()
			return nil, incompatibleState(cmd.Scope, StateResume, StateResume)
		}
		rec := s.fastResumeLocked(cmd.Scope)
		s.cycleMu.Unlock()
		s.finish(rec)
		return &TransitionResult{CycleID: rec.ID, Outcome: OutcomeCommitted, State: s.state.Snapshot()}, nil
	}

	current := s.state.Get(cmd.Scope)
	if current == cmd.Target {
		s.cycleMu.Unlock()
		return nil, incompatibleState(cmd.Scope, current, cmd.Target)
	}
	ackWindow, resumeGrace := s.Timings()
	cy := newCycle(uuidv7.NewString(), cmd.Target, cmd.Scope, s.clock.Now(), ackWindow, resumeGrace)
	s.active.Store(cy)
	s.workers.Add(1)
	go s.runCycle(cy)
	s.cycleMu.Unlock()

	s.metrics.recordStarted(cy.target, cy.scope)
	s.cycleLogger.Info("cycle.started",
		"cycle_id", cy.id,
		"target", cy.target,
		"scope", cy.scope,
		"ack_window_ms", durationMillis(ackWindow),
		"resume_grace_ms", durationMillis(resumeGrace),
	)
	return &TransitionResult{CycleID: cy.id, Outcome: OutcomePending, State: s.state.Snapshot()}, nil
}

// AckCommand carries a slave verdict for the open cycle.
type AckCommand struct {
	ClientID ClientID
	Verdict  Verdict
}

// AckResult tells the caller whether the verdict counted. Reason explains
// ignored acks; ignoring is never an error because acks race with windows.
type AckResult struct {
	Recorded bool
	CycleID  string
	Reason   string
}

const (
	ackReasonUnknownClient = "unknown_client"
	ackReasonNotSlave      = "not_slave"
	ackReasonNoCycle       = "no_cycle"
	ackReasonOutOfScope    = "out_of_scope"
	ackReasonWindowClosed  = "window_closed"
)

// SubmitAck records a verdict while the ack window of the open cycle is
// still accepting replies.
func (s *Service) SubmitAck(ctx context.Context, cmd AckCommand) (*AckResult, error) {
	verdict, err := ParseVerdict(string(cmd.Verdict))
	if err != nil {
		return nil, err
	}
	cmd.Verdict = verdict
	c, ok := s.registry.Lookup(cmd.ClientID)
	if !ok {
		s.logger.Debug("ack.ignored", "client_id", cmd.ClientID, "reason", ackReasonUnknownClient)
		s.metrics.recordAck(cmd.Verdict, ackReasonUnknownClient)
		return &AckResult{Reason: ackReasonUnknownClient}, nil
	}
	if c.Role != RoleSlave {
		s.logger.Debug("ack.ignored", "client_id", c.ID, "reason", ackReasonNotSlave)
		s.metrics.recordAck(cmd.Verdict, ackReasonNotSlave)
		return &AckResult{Reason: ackReasonNotSlave}, nil
	}
	cy := s.active.Load()
	if cy == nil {
		s.cycleLogger.Debug("ack.ignored", "client_id", c.ID, "reason", ackReasonNoCycle)
		s.metrics.recordAck(cmd.Verdict, ackReasonNoCycle)
		return &AckResult{Reason: ackReasonNoCycle}, nil
	}
	logger := s.cycleLogger.With("cycle_id", cy.id, "client_id", c.ID, "verdict", cmd.Verdict)
	if !c.Scope.Receives(cy.scope) {
		logger.Debug("ack.ignored", "reason", ackReasonOutOfScope)
		s.metrics.recordAck(cmd.Verdict, ackReasonOutOfScope)
		return &AckResult{CycleID: cy.id, Reason: ackReasonOutOfScope}, nil
	}
	if cmd.Verdict.Target() != cy.target {
		logger.Warn("ack.target_mismatch", "target", cy.target)
	}
	if !cy.recordAck(c.ID, cmd.Verdict) {
		logger.Info("ack.late.dropped")
		s.metrics.recordAck(cmd.Verdict, ackReasonWindowClosed)
		return &AckResult{CycleID: cy.id, Reason: ackReasonWindowClosed}, nil
	}
	logger.Debug("ack.recorded")
	s.metrics.recordAck(cmd.Verdict, "recorded")
	return &AckResult{Recorded: true, CycleID: cy.id}, nil
}

// ReportMachine forwards a machine availability change to the master and
// reports whether the master received it.
func (s *Service) ReportMachine(ctx context.Context, machine string, available bool) (bool, error) {
	machine = strings.TrimSpace(machine)
	if machine == "" {
		return false, Failure{Code: "invalid_machine", Detail: "machine name required", HTTPStatus: http.StatusBadRequest}
	}
	master, ok := s.registry.Master()
	if !ok {
		s.logger.Debug("machine.update.no_master", "machine", machine, "available", available)
		return false, nil
	}
	delivered := s.fanout.Deliver(master.ID, Event{
		Kind:      EventMachineUpdate,
		Machine:   machine,
		Available: &available,
		At:        s.clock.Now(),
	})
	s.logger.Info("machine.update", "machine", machine, "available", available, "delivered", delivered)
	return delivered, nil
}

// Status returns a snapshot of registry, state and the open cycle.
func (s *Service) Status() Status {
	ackWindow, resumeGrace := s.Timings()
	st := Status{
		State:       s.state.Snapshot(),
		Slaves:      s.registry.Slaves(),
		AckWindow:   ackWindow,
		ResumeGrace: resumeGrace,
		Machine:     s.machine,
	}
	if m, ok := s.registry.Master(); ok {
		st.Master = &m
	}
	if cy := s.active.Load(); cy != nil {
		acked, nacked := cy.counts()
		st.Cycle = &CycleStatus{
			ID:        cy.id,
			Target:    cy.target,
			Scope:     cy.scope,
			Phase:     cy.currentPhase(),
			Acked:     acked,
			Nacked:    nacked,
			StartedAt: cy.startedAt,
		}
	}
	return st
}

// History returns recent finished cycles, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]CycleRecord, error) {
	return s.journal.RecentCycles(ctx, limit)
}

// Timings returns the windows applied to the next cycle.
func (s *Service) Timings() (ackWindow, resumeGrace time.Duration) {
	s.timingMu.RLock()
	defer s.timingMu.RUnlock()
	return s.ackWindow, s.resumeGrace
}

// SetTimings changes the windows for subsequent cycles. Non-positive values
// keep the current setting.
func (s *Service) SetTimings(ackWindow, resumeGrace time.Duration) {
	s.timingMu.Lock()
	if ackWindow > 0 {
		s.ackWindow = ackWindow
	}
	if resumeGrace > 0 {
		s.resumeGrace = resumeGrace
	}
	ackWindow, resumeGrace = s.ackWindow, s.resumeGrace
	s.timingMu.Unlock()
	s.cycleLogger.Info("cycle.timings.updated", "ack_window_ms", durationMillis(ackWindow), "resume_grace_ms", durationMillis(resumeGrace))
}

// Close abandons an open cycle without committing, waits for its worker and
// closes every mailbox.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cycleMu.Lock()
		s.closed.Store(true)
		close(s.closing)
		s.cycleMu.Unlock()
		s.workers.Wait()
		s.fanout.closeAll()
	})
}
