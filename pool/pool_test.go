package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/backend/fakebackend"
	"github.com/jkantaria/sqlcore/metrics"
	"github.com/jkantaria/sqlcore/sqlerr"
)

// connRegistry tracks every connection a test dialer creates, in dial
// order, so tests can assert dispatch targets and simulate crashes.
type connRegistry struct {
	mu    sync.Mutex
	conns []*fakebackend.Conn
}

func (r *connRegistry) add(c *fakebackend.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
}

func (r *connRegistry) snapshot() []*fakebackend.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*fakebackend.Conn, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *connRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// dialer returns a backend.Dialer that creates fakebackend connections
// and promotes them to Ok shortly after construction, simulating an
// async connect handshake without a real socket.
func (r *connRegistry) dialer() backend.Dialer {
	return func(lp backend.Looper, connInfo string) backend.Connection {
		c := fakebackend.New(lp)
		r.add(c)
		time.AfterFunc(5*time.Millisecond, func() { c.SetStatus(backend.Ok) })
		return c
	}
}

// counterValue reads one label-matched sample off a Collector's
// registry directly, since the CounterVec fields Collector wraps are
// unexported outside the metrics package.
func counterValue(t *testing.T, c *metrics.Collector, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
					break
				}
			}
			if match && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
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

func TestExecSqlDispatchesToReadyConnection(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 2, PostgreSQL, reg.dialer())
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 2 })

	resultCh := make(chan struct{}, 1)
	p.ExecSql("SELECT 1", 0, nil, nil, nil, func(backend.Result) { resultCh <- struct{}{} }, nil)
	<-resultCh
}

// TestFIFOFallback is scenario S2: pool size 1, three commands submitted
// before the first completes. Dispatch order on the single backend
// connection must be Q1, Q2, Q3.
func TestFIFOFallback(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 1, PostgreSQL, reg.dialer())
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 1 })

	conn := reg.snapshot()[0]
	block := make(chan struct{})
	var mu sync.Mutex
	gate := "Q1"
	conn.Respond = func(sql string) (backend.Result, error) {
		mu.Lock()
		g := gate
		mu.Unlock()
		if sql == g {
			<-block
		}
		return nil, nil
	}

	var completionOrder []string
	var omu sync.Mutex
	record := func(sql string) func(backend.Result) {
		return func(backend.Result) {
			omu.Lock()
			completionOrder = append(completionOrder, sql)
			omu.Unlock()
		}
	}

	p.ExecSql("Q1", 0, nil, nil, nil, record("Q1"), nil)
	waitUntil(t, func() bool {
		for _, d := range conn.Dispatched() {
			if d == "Q1" {
				return true
			}
		}
		return false
	})
	p.ExecSql("Q2", 0, nil, nil, nil, record("Q2"), nil)
	p.ExecSql("Q3", 0, nil, nil, nil, record("Q3"), nil)

	close(block)

	waitUntil(t, func() bool {
		omu.Lock()
		defer omu.Unlock()
		return len(completionOrder) == 3
	})

	wantDispatch := []string{"Q1", "Q2", "Q3"}
	gotDispatch := conn.Dispatched()
	if len(gotDispatch) != 3 {
		t.Fatalf("dispatch order = %v, want %v", gotDispatch, wantDispatch)
	}
	for i := range wantDispatch {
		if gotDispatch[i] != wantDispatch[i] {
			t.Fatalf("dispatch order = %v, want %v", gotDispatch, wantDispatch)
		}
	}

	omu.Lock()
	defer omu.Unlock()
	for i := range wantDispatch {
		if completionOrder[i] != wantDispatch[i] {
			t.Fatalf("completion order = %v, want %v", completionOrder, wantDispatch)
		}
	}
}

// TestReconnectAfterLoss is scenario S6: pool size 2, kill one backend
// mid-idle. Within a bounded window the pool returns to steady state
// with both connections ready again.
func TestReconnectAfterLoss(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 2, PostgreSQL, reg.dialer(), WithReconnectBackoff(10*time.Millisecond))
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 2 })

	victim := reg.snapshot()[0]
	victim.Crash(nil)

	waitUntil(t, func() bool { return reg.count() == 3 })
	waitUntil(t, func() bool { return p.Stats().Ready == 2 })

	// A command submitted right after the kill must still complete —
	// either on the survivor or on the replacement.
	resultCh := make(chan struct{}, 1)
	p.ExecSql("SELECT 1", 0, nil, nil, nil, func(backend.Result) { resultCh <- struct{}{} }, nil)
	select {
	case <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("command submitted after reconnect never completed")
	}
}

func TestShutdownDrainsWaitBuffer(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 1, PostgreSQL, reg.dialer())
	waitUntil(t, func() bool { return p.Stats().Ready == 1 })

	conn := reg.snapshot()[0]
	block := make(chan struct{})
	conn.Respond = func(string) (backend.Result, error) {
		<-block
		return nil, nil
	}

	p.ExecSql("Q1", 0, nil, nil, nil, nil, nil)
	waitUntil(t, func() bool { return len(conn.Dispatched()) == 1 })

	errCh := make(chan error, 1)
	p.ExecSql("Q2", 0, nil, nil, nil, nil, func(err error) { errCh <- err })

	p.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, sqlerr.ShutdownInProgress) {
			t.Fatalf("queued command error = %v, want ShutdownInProgress", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued command never received shutdown error")
	}

	close(block)

	errCh2 := make(chan error, 1)
	p.ExecSql("Q3", 0, nil, nil, nil, nil, func(err error) { errCh2 <- err })
	select {
	case err := <-errCh2:
		if !errors.Is(err, sqlerr.ShutdownInProgress) {
			t.Fatalf("post-shutdown submit error = %v, want ShutdownInProgress", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post-shutdown submit never received shutdown error")
	}
}

func TestNewTransactionReservesAndReleases(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 1, PostgreSQL, reg.dialer())
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 1 })

	tx, err := p.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if p.Stats().Ready != 0 || p.Stats().Reserved != 1 {
		t.Fatalf("stats after reserve = %+v, want Ready=0 Reserved=1", p.Stats())
	}

	resultCh := make(chan struct{}, 1)
	tx.ExecSql(backend.Command{SQL: "INSERT x", OnResult: func(backend.Result) { resultCh <- struct{}{} }})
	<-resultCh

	tx.Commit()

	waitUntil(t, func() bool { return p.Stats().Ready == 1 && p.Stats().Reserved == 0 })
}

func TestMetricsRecordDispatchAndReconnect(t *testing.T) {
	reg := &connRegistry{}
	m := metrics.New()
	p := New("test", 2, PostgreSQL, reg.dialer(),
		WithReconnectBackoff(10*time.Millisecond),
		WithMetrics(m, "primary"),
	)
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 2 })

	resultCh := make(chan struct{}, 1)
	p.ExecSql("SELECT 1", 0, nil, nil, nil, func(backend.Result) { resultCh <- struct{}{} }, nil)
	<-resultCh

	if n, err := testutil.GatherAndCount(m.Registry, "sqlcore_dispatch_duration_seconds"); err != nil || n == 0 {
		t.Fatalf("dispatch duration series count = %d, err = %v, want at least one series", n, err)
	}

	victim := reg.snapshot()[0]
	victim.Crash(nil)
	waitUntil(t, func() bool { return reg.count() == 3 })

	waitUntil(t, func() bool {
		return counterValue(t, m, "sqlcore_reconnects_total", map[string]string{"pool": "primary"}) == 1
	})
}

func TestMetricsRecordTransactionOutcomes(t *testing.T) {
	reg := &connRegistry{}
	m := metrics.New()
	p := New("test", 1, PostgreSQL, reg.dialer(), WithMetrics(m, "primary"))
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 1 })

	tx, err := p.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Commit()
	waitUntil(t, func() bool {
		return counterValue(t, m, "sqlcore_transactions_committed_total", map[string]string{"pool": "primary"}) == 1
	})

	waitUntil(t, func() bool { return p.Stats().Ready == 1 })
	tx2, err := p.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx2.Rollback()
	waitUntil(t, func() bool {
		return counterValue(t, m, "sqlcore_transactions_rolled_back_total", map[string]string{"pool": "primary"}) == 1
	})
}

func TestBackpressureExceeded(t *testing.T) {
	reg := &connRegistry{}
	p := New("test", 1, PostgreSQL, reg.dialer(), WithMaxQueueDepth(1))
	defer p.Shutdown()

	waitUntil(t, func() bool { return p.Stats().Ready == 1 })

	conn := reg.snapshot()[0]
	block := make(chan struct{})
	conn.Respond = func(string) (backend.Result, error) {
		<-block
		return nil, nil
	}

	p.ExecSql("Q1", 0, nil, nil, nil, nil, nil)
	waitUntil(t, func() bool { return len(conn.Dispatched()) == 1 })

	p.ExecSql("Q2", 0, nil, nil, nil, nil, nil) // fills the one queue slot

	errCh := make(chan error, 1)
	p.ExecSql("Q3", 0, nil, nil, nil, nil, func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		if !errors.Is(err, sqlerr.BackpressureExceeded) {
			t.Fatalf("Q3 error = %v, want BackpressureExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Q3 never rejected")
	}
	close(block)
}
