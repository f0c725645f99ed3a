// Package transaction implements the Transaction Session (C3): a handle
// that reserves one backend connection, serializes its own command
// stream, and implements begin/commit/rollback with rollback-on-error
// semantics and queue draining, per spec §4.4.
//
// Grounded on original_source/orm_lib/src/TransactionImpl.cc —
// execSql/execNewTask/rollback/doBegin below are a direct, idiomatic
// translation of that state machine onto a loop.Loop instead of a
// trantor::EventLoop, and onto an explicit Commit() call instead of a
// C++ destructor (see DESIGN.md).
package transaction

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/placeholder"
	"github.com/jkantaria/sqlcore/sqlerr"
)

// Outcome is how a Session's BEGIN...COMMIT/ROLLBACK scope ended.
type Outcome int

const (
	// RolledBack covers an explicit Rollback, an automatic rollback
	// following a dispatch error, and a failed BEGIN or COMMIT.
	RolledBack Outcome = iota
	Committed
)

// Session is a client-level handle bracketing a BEGIN...COMMIT/ROLLBACK
// scope on one reserved connection. All fields below this comment are
// mutated only on loop — the struct needs no lock of its own, matching
// the concurrency model in spec §5.
type Session struct {
	conn       backend.Connection
	loop       backend.Looper
	onReleased func(Outcome, time.Duration)
	startedAt  time.Time

	sqlBuffer      []backend.Command
	isWorking      bool
	isFinished     bool
	rollbackQueued bool

	releaseOnce sync.Once
}

// New builds a Session around conn and immediately issues BEGIN. conn
// must already be reserved by the caller (pool.Pool does this before
// calling New) — Session never contends with pool dispatch for it.
// onReleased fires exactly once, when the transaction finishes, with the
// outcome it ended in and the time since New, so the caller can return
// conn to general circulation and record the outcome.
func New(conn backend.Connection, lp backend.Looper, onReleased func(Outcome, time.Duration)) *Session {
	s := &Session{
		conn:       conn,
		loop:       lp,
		onReleased: onReleased,
		startedAt:  time.Now(),
	}
	runtime.SetFinalizer(s, func(s *Session) {
		if !s.isFinished {
			slog.Warn("transaction garbage-collected without Commit or Rollback", "sql_pending", len(s.sqlBuffer))
		}
	})
	s.doBegin()
	return s
}

func (s *Session) doBegin() {
	s.loop.QueueInLoop(func() {
		s.isWorking = true
		s.conn.ExecSql(backend.Command{
			SQL:      "BEGIN",
			OnResult: func(backend.Result) {},
			OnError: func(err error) {
				s.isFinished = true
				s.release(RolledBack)
			},
		}, func() { s.execNewTask() })
	})
}

func (s *Session) release(outcome Outcome) {
	s.releaseOnce.Do(func() {
		if s.onReleased != nil {
			s.onReleased(outcome, time.Since(s.startedAt))
		}
	})
}

// ExecSql posts cmd to the transaction's loop. If the transaction is
// already finished, cmd.OnError fires immediately with
// TransactionRolledBack. Otherwise it dispatches now (if idle) or joins
// the tail of sqlBuffer (if a prior command is still in flight).
func (s *Session) ExecSql(cmd backend.Command) {
	s.loop.QueueInLoop(func() {
		if s.isFinished {
			rejectRolledBack(cmd)
			return
		}
		if !s.isWorking {
			s.isWorking = true
			s.dispatch(cmd)
			return
		}
		s.sqlBuffer = append(s.sqlBuffer, cmd)
	})
}

func rejectRolledBack(cmd backend.Command) {
	if cmd.OnError != nil {
		cmd.OnError(fmt.Errorf("%w", sqlerr.TransactionRolledBack))
	}
}

// dispatch sends cmd to the reserved connection. Any error it reports
// triggers an automatic rollback before the caller's own OnError sees
// it — the "fail fast" design decision in spec §4.4.
func (s *Session) dispatch(cmd backend.Command) {
	userOnError := cmd.OnError
	wrapped := cmd
	wrapped.OnError = func(err error) {
		s.rollback()
		if userOnError != nil {
			userOnError(err)
		}
	}
	s.conn.ExecSql(wrapped, func() { s.execNewTask() })
}

// execNewTask runs on loop after each statement completes.
func (s *Session) execNewTask() {
	if s.isFinished {
		pending := s.sqlBuffer
		s.sqlBuffer = nil
		s.isWorking = false
		for _, cmd := range pending {
			rejectRolledBack(cmd)
		}
		return
	}
	if len(s.sqlBuffer) > 0 {
		cmd := s.sqlBuffer[0]
		s.sqlBuffer = s.sqlBuffer[1:]
		s.dispatch(cmd)
		return
	}
	s.isWorking = false
}

// Rollback requests the transaction abort. If a command is currently in
// flight the ROLLBACK is pushed to the front of sqlBuffer so it runs
// before any already-buffered command; otherwise it is dispatched
// immediately. Safe to call more than once or after the transaction has
// already finished — both are no-ops.
func (s *Session) Rollback() {
	s.loop.QueueInLoop(func() {
		s.rollback()
	})
}

func (s *Session) rollback() {
	if s.isFinished || s.rollbackQueued {
		return
	}
	s.rollbackQueued = true

	terminal := func(error) {
		s.isFinished = true
		s.release(RolledBack)
	}
	cmd := backend.Command{
		SQL:      "ROLLBACK",
		OnResult: func(backend.Result) { terminal(nil) },
		OnError:  func(err error) { terminal(err) },
	}
	if s.isWorking {
		s.sqlBuffer = append([]backend.Command{cmd}, s.sqlBuffer...)
		return
	}
	s.isWorking = true
	s.conn.ExecSql(cmd, func() { s.execNewTask() })
}

// Commit is the Go-idiomatic stand-in for the original's implicit
// COMMIT-on-destruction (spec §4.4 "Implicit commit on destruction"):
// Go has no deterministic destructor, so callers call Commit explicitly
// once they are done submitting work, the way database/sql's Tx does.
// Unlike Rollback, COMMIT joins the tail of sqlBuffer rather than
// jumping the queue, so any already-submitted command runs first.
// Commit failure has no caller-supplied error callback to report to, so
// it is logged and swallowed, matching the original's empty except
// callback — see DESIGN.md.
func (s *Session) Commit() {
	s.loop.QueueInLoop(func() {
		s.commit()
	})
}

func (s *Session) commit() {
	if s.isFinished || s.rollbackQueued {
		return
	}
	terminal := func(err error) {
		s.isFinished = true
		outcome := Committed
		if err != nil {
			slog.Warn("transaction commit failed", "err", err)
			outcome = RolledBack
		}
		s.release(outcome)
	}
	cmd := backend.Command{
		SQL:      "COMMIT",
		OnResult: func(backend.Result) { terminal(nil) },
		OnError:  func(err error) { terminal(err) },
	}
	if s.isWorking {
		s.sqlBuffer = append(s.sqlBuffer, cmd)
		return
	}
	s.isWorking = true
	s.conn.ExecSql(cmd, func() { s.execNewTask() })
}

// NewTransaction returns the session itself: there is no savepoint
// stack, so nested transaction acquisition from within a transaction
// reuses the same reserved connection (spec §4.4, §9).
func (s *Session) NewTransaction() *Session {
	return s
}

// ReplaceSqlPlaceHolder rewrites sql's placeholder tokens the same way
// the owning pool would (spec §6).
func (s *Session) ReplaceSqlPlaceHolder(sql, token string) string {
	return placeholder.Replace(sql, token)
}
