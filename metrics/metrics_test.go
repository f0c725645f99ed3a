package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestUpdatePoolStats(t *testing.T) {
	c := New()
	c.UpdatePoolStats("primary", "postgresql", 3, 1, 0, 2, 1)

	if got := testutil.ToFloat64(c.poolReady.WithLabelValues("primary", "postgresql")); got != 3 {
		t.Errorf("poolReady = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.poolWaiting.WithLabelValues("primary", "postgresql")); got != 2 {
		t.Errorf("poolWaiting = %v, want 2", got)
	}
}

func TestPoolExhausted(t *testing.T) {
	c := New()
	c.PoolExhausted("primary")
	c.PoolExhausted("primary")

	if got := testutil.ToFloat64(c.poolExhausted.WithLabelValues("primary")); got != 2 {
		t.Errorf("poolExhausted = %v, want 2", got)
	}
}

func TestTransactionOutcomes(t *testing.T) {
	c := New()
	c.TransactionCommitted("primary", 10*time.Millisecond)
	c.TransactionRolledBack("primary", 5*time.Millisecond)

	if got := testutil.ToFloat64(c.transactionsCommitted.WithLabelValues("primary")); got != 1 {
		t.Errorf("transactionsCommitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.transactionsRolledBack.WithLabelValues("primary")); got != 1 {
		t.Errorf("transactionsRolledBack = %v, want 1", got)
	}
}

func TestRemovePool(t *testing.T) {
	c := New()
	c.UpdatePoolStats("primary", "postgresql", 1, 0, 0, 0, 0)
	c.PoolExhausted("primary")

	c.RemovePool("primary", "postgresql")

	if got := testutil.ToFloat64(c.poolReady.WithLabelValues("primary", "postgresql")); got != 0 {
		t.Errorf("poolReady after removal = %v, want 0 (series deleted, default 0)", got)
	}
}
