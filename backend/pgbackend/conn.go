// Package pgbackend is a demo Backend Connection (C1) implementation
// speaking the real PostgreSQL wire protocol, adapted from the
// teacher's internal/pool connection-handling code and scram.go. It
// exists to show the core's Connection/Dialer contract satisfied by a
// real socket instead of the in-memory fake used in tests.
package pgbackend

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jkantaria/sqlcore/backend"
)

// QueryResult is the Result produced by a successful ExecSql: column
// names plus text-format row values (nil entries are SQL NULL).
type QueryResult struct {
	Columns    []string
	Rows       [][]*string
	CommandTag string
}

// Conn is a backend.Connection backed by a live TCP socket to a
// PostgreSQL server.
type Conn struct {
	mu       sync.Mutex
	status   backend.Status
	working  bool
	onOk     func(backend.Connection)
	onClose  func(backend.Connection)
	loop     backend.Looper
	sock     *wireConn
	closed   bool
	pending  *pendingExec
}

type pendingExec struct {
	cmd     *backend.Command
	onIdle  func()
	result  QueryResult
	columns []string
	err     error
}

// NewDialer returns a backend.Dialer that connects to a real PostgreSQL
// server using the libpq-style key=value connInfo string.
func NewDialer() backend.Dialer {
	return func(lp backend.Looper, connInfo string) backend.Connection {
		c := &Conn{loop: lp, status: backend.Connecting}
		go c.connectAsync(connInfo)
		return c
	}
}

func (c *Conn) connectAsync(connInfo string) {
	p := parseConnInfo(connInfo)

	netConn, err := net.DialTimeout("tcp", p.addr(), 10*time.Second)
	if err != nil {
		c.fail()
		return
	}
	sock := &wireConn{Conn: netConn}

	if _, err := startupAndAuthenticate(sock, p); err != nil {
		netConn.Close()
		c.fail()
		return
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	go c.readLoop()

	c.loop.QueueInLoop(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.status = backend.Ok
		cb := c.onOk
		c.mu.Unlock()
		if cb != nil {
			cb(c)
		}
	})
}

func (c *Conn) fail() {
	c.loop.QueueInLoop(func() {
		c.mu.Lock()
		c.status = backend.Bad
		cb := c.onClose
		c.mu.Unlock()
		if cb != nil {
			cb(c)
		}
	})
}

// Status reports the connection's current lifecycle state.
func (c *Conn) Status() backend.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsWorking reports whether a command is currently in flight.
func (c *Conn) IsWorking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.working
}

// SetOnOk registers the callback fired once the connection becomes Ok.
func (c *Conn) SetOnOk(cb func(backend.Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOk = cb
}

// SetOnClose registers the callback fired when the connection is lost.
func (c *Conn) SetOnClose(cb func(backend.Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

// ExecSql dispatches one statement and arranges for onIdle to run on the
// loop once the backend has produced a terminal ReadyForQuery.
func (c *Conn) ExecSql(cmd backend.Command, onIdle func()) {
	c.mu.Lock()
	if c.status != backend.Ok || c.working {
		c.mu.Unlock()
		if cmd.OnError != nil {
			cmd.OnError(fmt.Errorf("pgbackend: ExecSql called while not idle"))
		}
		return
	}
	c.working = true
	c.pending = &pendingExec{cmd: &cmd, onIdle: onIdle}
	sock := c.sock
	c.mu.Unlock()

	var err error
	if cmd.ParamCount > 0 {
		err = c.sendExtendedQuery(sock, cmd)
	} else {
		err = sock.writeMessage('Q', append([]byte(cmd.SQL), 0))
	}
	if err != nil {
		c.deliverBroken(err)
	}
}

func (c *Conn) sendExtendedQuery(sock *wireConn, cmd backend.Command) error {
	// Parse: empty statement name, query text, 0 parameter type hints.
	parseBody := []byte{0}
	parseBody = append(parseBody, cmd.SQL...)
	parseBody = append(parseBody, 0, 0, 0)
	if err := sock.writeMessage('P', parseBody); err != nil {
		return err
	}

	// Bind: empty portal/statement names, all-text formats.
	bindBody := []byte{0, 0}
	fmtCount := make([]byte, 2)
	binary.BigEndian.PutUint16(fmtCount, 0) // 0 = use text format for every parameter
	bindBody = append(bindBody, fmtCount...)

	paramCount := make([]byte, 2)
	binary.BigEndian.PutUint16(paramCount, uint16(len(cmd.Params)))
	bindBody = append(bindBody, paramCount...)
	for _, param := range cmd.Params {
		if param == nil {
			bindBody = append(bindBody, 0xff, 0xff, 0xff, 0xff) // NULL: length -1
			continue
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(param)))
		bindBody = append(bindBody, lenBuf...)
		bindBody = append(bindBody, param...)
	}
	bindBody = append(bindBody, 0, 0) // 0 result-column format codes
	if err := sock.writeMessage('B', bindBody); err != nil {
		return err
	}

	// Describe the unnamed portal so RowDescription comes back with column names.
	if err := sock.writeMessage('D', []byte{'P', 0}); err != nil {
		return err
	}

	// Execute the unnamed portal, no row limit.
	execBody := []byte{0}
	rowLimit := make([]byte, 4)
	execBody = append(execBody, rowLimit...)
	if err := sock.writeMessage('E', execBody); err != nil {
		return err
	}

	return sock.writeMessage('S', nil)
}

func (c *Conn) deliverBroken(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.working = false
	c.mu.Unlock()

	c.loop.QueueInLoop(func() {
		if pending != nil && pending.cmd.OnError != nil {
			pending.cmd.OnError(fmt.Errorf("pgbackend: writing command: %w", err))
		}
		c.triggerClose()
	})
}

func (c *Conn) triggerClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = backend.Bad
	cb := c.onClose
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if cb != nil {
		cb(c)
	}
}

// Close terminates the socket and marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	sock.writeMessage('X', nil)
	return sock.Close()
}

// readLoop runs on its own goroutine for the lifetime of the socket,
// parsing backend messages and handing terminal results to the pool's
// event loop. There is at most one in-flight command at a time (the
// pool never calls ExecSql again before onIdle fires), so readLoop
// never needs to demultiplex responses across commands.
func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		sock := c.sock
		closed := c.closed
		c.mu.Unlock()
		if closed || sock == nil {
			return
		}

		msg, err := sock.readMessage()
		if err != nil {
			c.loop.QueueInLoop(c.triggerClose)
			return
		}

		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		if pending == nil {
			continue // message outside of any in-flight command (e.g. NoticeResponse)
		}

		switch msg.msgType {
		case 'T': // RowDescription
			pending.columns = parseRowDescription(msg.payload)
		case 'D': // DataRow
			pending.result.Rows = append(pending.result.Rows, parseDataRow(msg.payload))
		case 'C': // CommandComplete
			pending.result.CommandTag = parseCString(msg.payload)
		case 'E': // ErrorResponse
			// The server still sends ReadyForQuery after an
			// ErrorResponse; don't finish the command until it arrives,
			// or the next command's ExecSql would race the stray 'Z'.
			pending.err = fmt.Errorf("pgbackend: %s", parseErrorMessage(msg.payload))
			continue
		case '1', '2', 'n', 't': // ParseComplete, BindComplete, NoData, ParameterDescription
			continue
		case 'Z': // ReadyForQuery — the command is done
			if pending.err != nil {
				c.finishPending(nil, pending.err)
				continue
			}
			pending.result.Columns = pending.columns
			result := pending.result
			c.finishPending(&result, nil)
		default:
			continue
		}
	}
}

func (c *Conn) finishPending(result *QueryResult, resultErr error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.working = false
	c.mu.Unlock()

	if pending == nil {
		return
	}

	c.loop.QueueInLoop(func() {
		if resultErr != nil {
			if pending.cmd.OnError != nil {
				pending.cmd.OnError(resultErr)
			}
		} else if pending.cmd.OnResult != nil {
			pending.cmd.OnResult(result)
		}
		if pending.onIdle != nil {
			pending.onIdle()
		}
	})
}

func parseRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	cols := make([]string, 0, n)
	offset := 2
	for i := 0; i < n && offset < len(payload); i++ {
		start := offset
		for offset < len(payload) && payload[offset] != 0 {
			offset++
		}
		cols = append(cols, string(payload[start:offset]))
		offset++  // skip the name's NUL terminator
		offset += 18 // tableOID(4) + colAttr(2) + typeOID(4) + typeLen(2) + typeMod(4) + format(2)
	}
	return cols
}

func parseDataRow(payload []byte) []*string {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	row := make([]*string, n)
	offset := 2
	for i := 0; i < n; i++ {
		if offset+4 > len(payload) {
			break
		}
		length := int32(binary.BigEndian.Uint32(payload[offset : offset+4]))
		offset += 4
		if length < 0 {
			row[i] = nil
			continue
		}
		val := string(payload[offset : offset+int(length)])
		row[i] = &val
		offset += int(length)
	}
	return row
}

func parseCString(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}
