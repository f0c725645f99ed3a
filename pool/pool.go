// Package pool implements the Connection Pool (C2): it creates N backend
// connections, tracks their ready/busy/reserved sets, buffers submitted
// commands when no connection is free, and dispatches them as
// connections become idle. It also arbitrates transaction creation,
// reserving one connection at a time for exclusive use by a
// transaction.Session.
//
// Grounded on the teacher's internal/pool/pool.go TenantPool: the same
// single-mutex-plus-condition-variable design for the ready/busy/waiting
// bookkeeping (Acquire/Return/Stats/reapLoop), generalized here from
// "hand out a raw net.Conn" to "dispatch a Command to a backend.Connection
// on its own Loop" per spec §4.3.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/loop"
	"github.com/jkantaria/sqlcore/metrics"
	"github.com/jkantaria/sqlcore/placeholder"
	"github.com/jkantaria/sqlcore/sqlerr"
	"github.com/jkantaria/sqlcore/transaction"
)

// Kind identifies the wire dialect of the backend database. The pool
// does not interpret this beyond passing it to its Dialer.
type Kind int

const (
	PostgreSQL Kind = iota
	MySQL
)

func (k Kind) String() string {
	switch k {
	case PostgreSQL:
		return "postgresql"
	case MySQL:
		return "mysql"
	default:
		return "unknown"
	}
}

// DefaultReconnectBackoff is the minimum wait before a lost connection
// is replaced, per spec §4.3 ("a short (implementation-defined, ≥1s)
// backoff").
const DefaultReconnectBackoff = time.Second

// Stats is a point-in-time snapshot of pool occupancy, used by the
// metrics and statusapi packages.
type Stats struct {
	PoolSize  int
	Ready     int
	Busy      int
	Reserved  int
	Waiting   int // len(waitBuffer)
	TransWait int
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithReconnectBackoff overrides DefaultReconnectBackoff.
func WithReconnectBackoff(d time.Duration) Option {
	return func(p *Pool) { p.reconnectBackoff = d }
}

// WithMaxQueueDepth bounds waitBuffer. 0 (the default) is unbounded,
// matching the original's unbounded behavior — see spec §9's open
// question and DESIGN.md for why a bound is offered but not forced.
func WithMaxQueueDepth(n int) Option {
	return func(p *Pool) { p.maxQueueDepth = n }
}

// WithOnExhausted installs a callback fired whenever a Command or
// NewTransaction call must wait because no connection is ready.
func WithOnExhausted(cb func()) Option {
	return func(p *Pool) { p.onExhausted = cb }
}

// WithMetrics attaches a Collector and the pool's label name, so
// dispatch latency, reconnects, and transaction outcomes are recorded
// as they happen instead of only being visible via polled Stats.
func WithMetrics(m *metrics.Collector, name string) Option {
	return func(p *Pool) {
		p.metrics = m
		p.name = name
	}
}

// Pool is the connection-pooled SQL executor (C2 + the external Client
// surface from spec §6).
type Pool struct {
	connInfo string
	size     int
	kind     Kind
	dial     backend.Dialer
	name     string

	reconnectBackoff time.Duration
	maxQueueDepth    int
	onExhausted      func()
	metrics          *metrics.Collector

	ioLoop *loop.Loop

	mu        sync.Mutex
	cond      *sync.Cond
	ready     []backend.Connection
	busy      map[backend.Connection]struct{}
	reserved  map[backend.Connection]struct{}
	waitBuf   []backend.Command
	transWait int
	stopped   bool
}

// New constructs a Pool of size connections to connInfo, speaking kind,
// dialed via dial. It spawns the pool's dedicated event loop and starts
// connecting all N connections immediately, per spec §4.3.
func New(connInfo string, size int, kind Kind, dial backend.Dialer, opts ...Option) *Pool {
	p := &Pool{
		connInfo:         connInfo,
		size:             size,
		kind:             kind,
		dial:             dial,
		reconnectBackoff: DefaultReconnectBackoff,
		ioLoop:           loop.New(),
		busy:             make(map[backend.Connection]struct{}),
		reserved:         make(map[backend.Connection]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		p.spawnConnection()
	}
	return p
}

func (p *Pool) spawnConnection() {
	conn := p.dial(p.ioLoop, p.connInfo)
	p.mu.Lock()
	p.busy[conn] = struct{}{} // provisionally busy until onOk fires
	p.mu.Unlock()

	conn.SetOnOk(p.handleConnOk)
	conn.SetOnClose(p.handleConnClose)
}

func (p *Pool) handleConnOk(conn backend.Connection) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		conn.Close()
		return
	}
	delete(p.busy, conn)
	p.ready = append(p.ready, conn)
	p.mu.Unlock()
	p.ioLoop.QueueInLoop(func() { p.dispatchOne() })
}

func (p *Pool) handleConnClose(conn backend.Connection) {
	p.mu.Lock()
	delete(p.busy, conn)
	delete(p.reserved, conn)
	removeConn(&p.ready, conn)
	stopped := p.stopped
	p.mu.Unlock()

	slog.Warn("backend connection closed", "kind", p.kind)

	if stopped {
		return
	}
	time.AfterFunc(p.reconnectBackoff, func() {
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		p.spawnConnection()
		if p.metrics != nil {
			p.metrics.Reconnected(p.name, p.kind.String())
		}
	})
}

func removeConn(set *[]backend.Connection, conn backend.Connection) {
	s := *set
	for i, c := range s {
		if c == conn {
			*set = append(s[:i], s[i+1:]...)
			return
		}
	}
}

// ExecSql submits one parameterized statement per the external API in
// spec §6. onResult and onError may be nil, in which case the
// corresponding outcome is silently dropped (spec §9 open question,
// resolved uniformly).
func (p *Pool) ExecSql(sql string, paramCount int, params [][]byte, lengths, formats []int, onResult func(backend.Result), onError func(error)) {
	p.execCmd(backend.Command{
		SQL:          sql,
		ParamCount:   paramCount,
		Params:       params,
		ParamLengths: lengths,
		ParamFormats: formats,
		OnResult:     onResult,
		OnError:      onError,
	})
}

func (p *Pool) execCmd(cmd backend.Command) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		deliverError(cmd, sqlerr.ShutdownInProgress)
		return
	}

	if len(p.ready) > 0 {
		conn := p.ready[len(p.ready)-1]
		p.ready = p.ready[:len(p.ready)-1]
		p.busy[conn] = struct{}{}
		p.mu.Unlock()

		p.ioLoop.QueueInLoop(func() {
			p.dispatch(conn, cmd, func() { p.handleIdle(conn) })
		})
		return
	}

	if p.maxQueueDepth > 0 && len(p.waitBuf) >= p.maxQueueDepth {
		p.mu.Unlock()
		deliverError(cmd, sqlerr.BackpressureExceeded)
		return
	}

	p.waitBuf = append(p.waitBuf, cmd)
	cb := p.onExhausted
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func deliverError(cmd backend.Command, err error) {
	if cmd.OnError != nil {
		cmd.OnError(err)
	}
}

// dispatch runs cmd on conn and, if metrics are attached, times the
// interval from submission to onIdle (which fires right after
// cmd.OnResult/OnError) as one dispatch's duration.
func (p *Pool) dispatch(conn backend.Connection, cmd backend.Command, onIdle func()) {
	if p.metrics == nil {
		conn.ExecSql(cmd, onIdle)
		return
	}
	start := time.Now()
	conn.ExecSql(cmd, func() {
		p.metrics.DispatchCompleted(p.name, p.kind.String(), time.Since(start))
		onIdle()
	})
}

// handleIdle is the onIdle hook passed to every non-transactional
// dispatch: it either hands conn the next buffered command or returns
// conn to ready (spec §4.3 "handleIdle").
func (p *Pool) handleIdle(conn backend.Connection) {
	p.mu.Lock()
	if p.stopped {
		delete(p.busy, conn)
		p.mu.Unlock()
		conn.Close()
		return
	}

	if len(p.waitBuf) > 0 {
		cmd := p.waitBuf[0]
		p.waitBuf = p.waitBuf[1:]
		p.mu.Unlock()

		p.ioLoop.QueueInLoop(func() {
			p.dispatch(conn, cmd, func() { p.handleIdle(conn) })
		})
		return
	}

	delete(p.busy, conn)
	p.ready = append(p.ready, conn)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// dispatchOne is called after a connection first becomes ready, so a
// command that arrived while every connection was still connecting
// doesn't wait for the next unrelated completion to be served.
func (p *Pool) dispatchOne() {
	p.mu.Lock()
	if len(p.ready) == 0 || len(p.waitBuf) == 0 {
		p.mu.Unlock()
		return
	}
	conn := p.ready[len(p.ready)-1]
	p.ready = p.ready[:len(p.ready)-1]
	p.busy[conn] = struct{}{}
	cmd := p.waitBuf[0]
	p.waitBuf = p.waitBuf[1:]
	p.mu.Unlock()

	p.dispatch(conn, cmd, func() { p.handleIdle(conn) })
}

// NewTransaction blocks the calling goroutine until a connection is
// reservable, then returns a transaction.Session bound to it with BEGIN
// already issued (spec §4.3 "Transaction creation").
func (p *Pool) NewTransaction() (*transaction.Session, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, sqlerr.ShutdownInProgress
	}

	p.transWait++
	if len(p.ready) == 0 && p.onExhausted != nil {
		p.onExhausted()
	}
	for len(p.ready) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		p.transWait--
		p.mu.Unlock()
		return nil, sqlerr.ShutdownInProgress
	}
	p.transWait--

	conn := p.ready[len(p.ready)-1]
	p.ready = p.ready[:len(p.ready)-1]
	p.reserved[conn] = struct{}{}
	p.mu.Unlock()

	return transaction.New(conn, p.ioLoop, func(outcome transaction.Outcome, d time.Duration) {
		if p.metrics != nil {
			switch outcome {
			case transaction.Committed:
				p.metrics.TransactionCommitted(p.name, d)
			case transaction.RolledBack:
				p.metrics.TransactionRolledBack(p.name, d)
			}
		}
		p.releaseReserved(conn)
	}), nil
}

func (p *Pool) releaseReserved(conn backend.Connection) {
	p.mu.Lock()
	delete(p.reserved, conn)
	if p.stopped {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if conn.Status() == backend.Ok {
		p.ready = append(p.ready, conn)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
	p.ioLoop.QueueInLoop(func() { p.dispatchOne() })
}

// ReplaceSqlPlaceHolder rewrites sql's placeholder tokens into the
// backend's positional form (spec §4.1, §6).
func (p *Pool) ReplaceSqlPlaceHolder(sql, token string) string {
	return placeholder.Replace(sql, token)
}

// Kind reports the backend dialect this pool was constructed with.
func (p *Pool) Kind() Kind {
	return p.kind
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolSize:  p.size,
		Ready:     len(p.ready),
		Busy:      len(p.busy),
		Reserved:  len(p.reserved),
		Waiting:   len(p.waitBuf),
		TransWait: p.transWait,
	}
}

// Shutdown stops accepting new commands, drains waitBuffer with
// ShutdownInProgress errors, closes every connection once its in-flight
// command (if any) completes, and joins the pool's event loop (spec
// §4.3 "Shutdown").
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	pending := p.waitBuf
	p.waitBuf = nil
	readyConns := p.ready
	p.ready = nil
	p.mu.Unlock()

	p.cond.Broadcast()

	for _, cmd := range pending {
		deliverError(cmd, sqlerr.ShutdownInProgress)
	}
	for _, conn := range readyConns {
		conn.Close()
	}

	p.ioLoop.Stop()
}
