package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/core"
)

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), MemoryDSN, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, at time.Time) core.CycleRecord {
	return core.CycleRecord{
		ID:         id,
		Target:     core.StateSuspend,
		Scope:      core.ScopeLocal,
		Outcome:    core.OutcomeCommitted,
		Status:     core.StatusExpired,
		Acked:      []core.ClientRef{{ID: "a", Name: "alpha"}},
		NoAck:      []core.ClientRef{{ID: "b"}},
		StartedAt:  at,
		FinishedAt: at.Add(12 * time.Second),
	}
}

func TestRecordAndReadBack(t *testing.T) {
	s := openMemory(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := sampleRecord("c1", at)
	if err := s.RecordCycle(context.Background(), rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.RecentCycles(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	r := got[0]
	if r.ID != "c1" || r.Target != core.StateSuspend || r.Outcome != core.OutcomeCommitted || r.Status != core.StatusExpired {
		t.Fatalf("unexpected record %+v", r)
	}
	if len(r.Acked) != 1 || r.Acked[0].Name != "alpha" || len(r.NoAck) != 1 || len(r.Nacked) != 0 {
		t.Fatalf("replies not restored: %+v", r)
	}
	if !r.StartedAt.Equal(at) || !r.FinishedAt.Equal(at.Add(12*time.Second)) {
		t.Fatalf("times not restored: %v %v", r.StartedAt, r.FinishedAt)
	}
}

func TestRecentCyclesNewestFirstAndRetained(t *testing.T) {
	s := openMemory(t, WithRetain(2))
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		if err := s.RecordCycle(context.Background(), sampleRecord(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	got, err := s.RecentCycles(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c2" {
		t.Fatalf("unexpected order %+v", got)
	}
	limited, _ := s.RecentCycles(context.Background(), 1)
	if len(limited) != 1 || limited[0].ID != "c3" {
		t.Fatalf("unexpected limited result %+v", limited)
	}
}

func TestFilePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := sampleRecord("persisted", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec.FastPath = true
	if err := s.RecordCycle(context.Background(), rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	s.Close()

	reopened, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.RecentCycles(context.Background(), 1)
	if err != nil || len(got) != 1 || !got[0].FastPath {
		t.Fatalf("expected persisted fast path record, got %+v %v", got, err)
	}
}

func TestServiceWritesThroughJournal(t *testing.T) {
	s := openMemory(t)
	svc := core.New(core.Config{Journal: s})
	defer svc.Close()
	master, err := svc.Connect(context.Background(), core.ConnectCommand{Role: core.RoleMaster, Scope: core.ScopeLocal})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = svc.RequestTransition(context.Background(), core.TransitionCommand{ClientID: master.Client.ID, Target: core.StateResume, Scope: core.ScopeLocal})
	if !core.IsCode(err, core.CodeIncompatibleState) {
		t.Fatalf("expected incompatible state, got %v", err)
	}
	history, err := svc.History(context.Background(), 5)
	if err != nil || len(history) != 0 {
		t.Fatalf("rejected request should not be journaled: %+v %v", history, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsTransientSQLiteErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("syntax error"), false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("sqlite: (522) short read"), true},
	}
	for _, tc := range cases {
		if got := isTransientSQLiteErr(tc.err); got != tc.want {
			t.Fatalf("isTransientSQLiteErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryOpStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("constraint failed")
	clk := clock.NewManual(time.Unix(0, 0))
	err := retryOp(clk, retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond}, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call with permanent error, got %d calls err=%v", calls, err)
	}
	if clk.Pending() != 0 {
		t.Fatalf("permanent error should not back off, %d timers pending", clk.Pending())
	}
}

func TestRetryOpRetriesTransient(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Second, maxDelay: 2 * time.Second}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retryOp(clk, cfg, func() error {
			calls++
			if calls < 3 {
				return errors.New("SQLITE_BUSY")
			}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		if !clk.BlockUntil(1, 2*time.Second) {
			t.Fatalf("backoff %d never scheduled", i+1)
		}
		select {
		case err := <-done:
			t.Fatalf("retry returned before backoff elapsed: %v", err)
		default:
		}
		clk.Advance(cfg.maxDelay + cfg.baseDelay)
	}
	select {
	case err := <-done:
		if err != nil || calls != 3 {
			t.Fatalf("expected success on third attempt, got %d calls err=%v", calls, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not finish after the clock advanced")
	}
}

func TestStoreUsesInjectedClockForBackoff(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := openMemory(t, WithClock(clk))
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- s.retryOnContention(func() error {
			attempts++
			if attempts == 1 {
				return errors.New("database is locked")
			}
			return nil
		})
	}()
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("store did not back off on the injected clock")
	}
	clk.Advance(defaultRetryConfig.maxDelay + defaultRetryConfig.baseDelay)
	select {
	case err := <-done:
		if err != nil || attempts != 2 {
			t.Fatalf("expected success on second attempt, got %d attempts err=%v", attempts, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not resume after advance")
	}
}
