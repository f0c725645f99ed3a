package pool

import (
	"testing"
	"time"

	"github.com/jkantaria/sqlcore/backend"
	"github.com/jkantaria/sqlcore/backend/fakebackend"
)

func dialerForManagerTest() backend.Dialer {
	return func(lp backend.Looper, connInfo string) backend.Connection {
		c := fakebackend.New(lp)
		time.AfterFunc(5*time.Millisecond, func() { c.SetStatus(backend.Ok) })
		return c
	}
}

func TestManagerAddGetRemove(t *testing.T) {
	m := NewManager()
	p := New("test", 1, PostgreSQL, dialerForManagerTest())
	defer p.Shutdown()

	m.Add("primary", p)

	got, ok := m.Get("primary")
	if !ok || got != p {
		t.Fatal("Get did not return the registered pool")
	}

	if len(m.Pools()) != 1 {
		t.Fatalf("Pools() len = %d, want 1", len(m.Pools()))
	}

	m.Remove("primary")
	if _, ok := m.Get("primary"); ok {
		t.Fatal("pool still registered after Remove")
	}
}

func TestManagerShutdownAll(t *testing.T) {
	m := NewManager()
	p1 := New("test1", 1, PostgreSQL, dialerForManagerTest())
	p2 := New("test2", 1, PostgreSQL, dialerForManagerTest())
	m.Add("p1", p1)
	m.Add("p2", p2)

	m.ShutdownAll()

	if len(m.Pools()) != 0 {
		t.Fatal("pools still registered after ShutdownAll")
	}
}
