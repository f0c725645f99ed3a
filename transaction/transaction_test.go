package transaction

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/backend/fakebackend"
	"github.com/jkantaria/sqlcore/loop"
	"github.com/jkantaria/sqlcore/sqlerr"
)

func newTestSession(t *testing.T) (*Session, *fakebackend.Conn, *loop.Loop, *int32released) {
	t.Helper()
	lp := loop.New()
	t.Cleanup(lp.Stop)
	conn := fakebackend.New(lp)

	released := &int32released{}
	s := New(conn, lp, func(Outcome, time.Duration) { released.mark() })
	return s, conn, lp, released
}

// int32released is a tiny thread-safe "fired exactly once" flag used to
// assert onReleased semantics across goroutines.
type int32released struct {
	mu    sync.Mutex
	count int
}

func (r *int32released) mark() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *int32released) get() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestCommitOnClose is scenario S3: BEGIN; INSERT x; COMMIT. Released
// exactly once after COMMIT completes.
func TestCommitOnClose(t *testing.T) {
	s, conn, _, released := newTestSession(t)

	var resultCh = make(chan struct{}, 1)
	s.ExecSql(backend.Command{
		SQL:      "INSERT x",
		OnResult: func(backend.Result) { resultCh <- struct{}{} },
	})
	<-resultCh

	s.Commit()

	waitUntil(t, func() bool { return released.get() == 1 })

	got := conn.Dispatched()
	want := []string{"BEGIN", "INSERT x", "COMMIT"}
	if !equalStrings(got, want) {
		t.Fatalf("dispatch sequence = %v, want %v", got, want)
	}
	if released.get() != 1 {
		t.Fatalf("released fired %d times, want 1", released.get())
	}
}

// TestRollbackOnError is scenario S4: INSERT ok succeeds, INSERT bad
// fails, INSERT never is rejected with TransactionRolledBack and never
// reaches the wire.
func TestRollbackOnError(t *testing.T) {
	s, conn, _, released := newTestSession(t)

	conn.Respond = func(sql string) (backend.Result, error) {
		if sql == "INSERT bad" {
			return nil, sqlerr.ExecutionFailed
		}
		return nil, nil
	}

	okDone := make(chan struct{})
	s.ExecSql(backend.Command{SQL: "INSERT ok", OnResult: func(backend.Result) { close(okDone) }})
	<-okDone

	badErrCh := make(chan error, 1)
	s.ExecSql(backend.Command{SQL: "INSERT bad", OnError: func(err error) { badErrCh <- err }})
	badErr := <-badErrCh
	if !errors.Is(badErr, sqlerr.ExecutionFailed) {
		t.Fatalf("INSERT bad error = %v, want ExecutionFailed", badErr)
	}

	neverErrCh := make(chan error, 1)
	s.ExecSql(backend.Command{SQL: "INSERT never", OnError: func(err error) { neverErrCh <- err }})
	neverErr := <-neverErrCh
	if !errors.Is(neverErr, sqlerr.TransactionRolledBack) {
		t.Fatalf("INSERT never error = %v, want TransactionRolledBack", neverErr)
	}

	waitUntil(t, func() bool { return released.get() == 1 })

	got := conn.Dispatched()
	want := []string{"BEGIN", "INSERT ok", "INSERT bad", "ROLLBACK"}
	if !equalStrings(got, want) {
		t.Fatalf("dispatch sequence = %v, want %v", got, want)
	}
}

// TestRollbackJumpsQueue is scenario S5: Q1 in flight, Q2/Q3 buffered,
// rollback requested. Expected wire: BEGIN; Q1; ROLLBACK. Q2 and Q3
// never reach the wire and both get TransactionRolledBack.
func TestRollbackJumpsQueue(t *testing.T) {
	s, conn, lp, released := newTestSession(t)

	// Block Q1 from completing until we've queued Q2, Q3, and rollback.
	blockQ1 := make(chan struct{})
	conn.Respond = func(sql string) (backend.Result, error) {
		if sql == "Q1" {
			<-blockQ1
		}
		return nil, nil
	}

	q1Done := make(chan struct{})
	s.ExecSql(backend.Command{SQL: "Q1", OnResult: func(backend.Result) { close(q1Done) }})

	// Wait until Q1 is actually dispatched (isWorking=true on the loop)
	// before enqueueing the rest, so they land in sqlBuffer behind it.
	waitUntil(t, func() bool {
		for _, d := range conn.Dispatched() {
			if d == "Q1" {
				return true
			}
		}
		return false
	})

	q2ErrCh := make(chan error, 1)
	q3ErrCh := make(chan error, 1)
	s.ExecSql(backend.Command{SQL: "Q2", OnError: func(err error) { q2ErrCh <- err }})
	s.ExecSql(backend.Command{SQL: "Q3", OnError: func(err error) { q3ErrCh <- err }})

	rollbackDone := make(chan struct{})
	lp.QueueInLoop(func() {}) // ensure ExecSql(Q2/Q3) tasks are queued before rollback races ahead
	go func() {
		s.Rollback()
		close(rollbackDone)
	}()
	<-rollbackDone

	close(blockQ1)
	<-q1Done

	q2Err := <-q2ErrCh
	q3Err := <-q3ErrCh
	if !errors.Is(q2Err, sqlerr.TransactionRolledBack) {
		t.Fatalf("Q2 error = %v, want TransactionRolledBack", q2Err)
	}
	if !errors.Is(q3Err, sqlerr.TransactionRolledBack) {
		t.Fatalf("Q3 error = %v, want TransactionRolledBack", q3Err)
	}

	waitUntil(t, func() bool { return released.get() == 1 })

	got := conn.Dispatched()
	want := []string{"BEGIN", "Q1", "ROLLBACK"}
	if !equalStrings(got, want) {
		t.Fatalf("dispatch sequence = %v, want %v", got, want)
	}
}

func TestBeginFailureReleasesWithoutCommands(t *testing.T) {
	lp := loop.New()
	t.Cleanup(lp.Stop)
	conn := fakebackend.New(lp)
	conn.Respond = func(sql string) (backend.Result, error) {
		if sql == "BEGIN" {
			return nil, sqlerr.ConnectionBroken
		}
		return nil, nil
	}

	released := &int32released{}
	s := New(conn, lp, func(Outcome, time.Duration) { released.mark() })

	waitUntil(t, func() bool { return released.get() == 1 })

	errCh := make(chan error, 1)
	s.ExecSql(backend.Command{SQL: "anything", OnError: func(err error) { errCh <- err }})
	err := <-errCh
	if !errors.Is(err, sqlerr.TransactionRolledBack) {
		t.Fatalf("post-failed-BEGIN ExecSql error = %v, want TransactionRolledBack", err)
	}
}

func TestReleaseReportsOutcome(t *testing.T) {
	lp := loop.New()
	t.Cleanup(lp.Stop)

	commitConn := fakebackend.New(lp)
	var commitOutcome Outcome
	commitDone := make(chan struct{})
	cs := New(commitConn, lp, func(o Outcome, _ time.Duration) {
		commitOutcome = o
		close(commitDone)
	})
	cs.Commit()
	<-commitDone
	if commitOutcome != Committed {
		t.Fatalf("commit outcome = %v, want Committed", commitOutcome)
	}

	rollbackConn := fakebackend.New(lp)
	var rollbackOutcome Outcome
	rollbackDone := make(chan struct{})
	rs := New(rollbackConn, lp, func(o Outcome, _ time.Duration) {
		rollbackOutcome = o
		close(rollbackDone)
	})
	rs.Rollback()
	<-rollbackDone
	if rollbackOutcome != RolledBack {
		t.Fatalf("rollback outcome = %v, want RolledBack", rollbackOutcome)
	}
}

func TestNewTransactionReturnsSelf(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	if s.NewTransaction() != s {
		t.Fatal("NewTransaction must return the same handle")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
