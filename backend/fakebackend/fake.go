// Package fakebackend is a scriptable in-memory backend.Connection used
// by the pool and transaction test suites, grounded on the teacher's
// pool_test.go InjectTestConn seam: tests need to inject a connection
// whose behavior is fully controlled without dialing a real socket.
package fakebackend

import (
	"sync"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/sqlerr"
)

// Responder decides how a dispatched SQL string is answered: either a
// Result (success) or an error. The default Responder used by New
// succeeds every statement with a nil Result.
type Responder func(sql string) (backend.Result, error)

// Conn is a fully in-process backend.Connection. Tests drive it by
// setting Respond or by calling Fail to simulate a mid-command crash.
type Conn struct {
	mu       sync.Mutex
	status   backend.Status
	working  bool
	onOk     func(backend.Connection)
	onClose  func(backend.Connection)
	loop     backend.Looper
	closed   bool
	Respond  Responder
	Dispatch []string // records every SQL string dispatched, in order
}

// New constructs a Conn already in backend.Ok status — real dialers
// start in None/Connecting, but tests almost always want a
// ready-to-use connection and can call SetStatus to exercise the
// earlier states explicitly.
func New(loop backend.Looper) *Conn {
	return &Conn{
		status: backend.Ok,
		loop:   loop,
		Respond: func(string) (backend.Result, error) {
			return nil, nil
		},
	}
}

func (c *Conn) Status() backend.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) IsWorking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.working
}

func (c *Conn) SetOnOk(cb func(backend.Connection))    { c.onOk = cb }
func (c *Conn) SetOnClose(cb func(backend.Connection)) { c.onClose = cb }

// SetStatus forces a status and, when transitioning into Ok, fires
// onOk on the bound loop — used to simulate the connect handshake
// completing.
func (c *Conn) SetStatus(s backend.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	if s == backend.Ok && c.onOk != nil {
		c.loop.QueueInLoop(func() { c.onOk(c) })
	}
}

func (c *Conn) ExecSql(cmd backend.Command, onIdle func()) {
	c.mu.Lock()
	c.working = true
	c.Dispatch = append(c.Dispatch, cmd.SQL)
	c.mu.Unlock()

	c.loop.QueueInLoop(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		respond := c.Respond
		c.mu.Unlock()

		result, err := respond(cmd.SQL)

		c.mu.Lock()
		c.working = false
		c.mu.Unlock()

		if err != nil {
			if cmd.OnError != nil {
				cmd.OnError(err)
			}
		} else if cmd.OnResult != nil {
			cmd.OnResult(result)
		}
		onIdle()
	})
}

// Crash simulates a fatal I/O error: the connection transitions to Bad,
// any in-flight command's OnError fires with ConnectionBroken, and
// onClose fires. onIdle does NOT fire, matching backend.Connection's
// contract for a connection dying mid-command.
func (c *Conn) Crash(inFlight *backend.Command) {
	c.mu.Lock()
	c.status = backend.Bad
	c.working = false
	c.mu.Unlock()

	if inFlight != nil && inFlight.OnError != nil {
		inFlight.OnError(sqlerr.ConnectionBroken)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Dispatched returns a snapshot of every SQL string dispatched so far,
// in order.
func (c *Conn) Dispatched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Dispatch))
	copy(out, c.Dispatch)
	return out
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.status = backend.Bad
	c.mu.Unlock()
	return nil
}
