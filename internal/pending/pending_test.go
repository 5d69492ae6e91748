package pending

import (
	"testing"
	"time"

	"csms/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrozen(ttl time.Duration) (*Table, *time.Time) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	tbl := NewTable(ttl)
	tbl.now = func() time.Time { return now }
	return tbl, &now
}

func TestPutGetResolve(t *testing.T) {
	tbl, _ := newFrozen(time.Minute)

	tbl.Put("CP-1", 1, models.CommandStart, "sess-1")

	cmd, ok := tbl.Get("CP-1", 1)
	require.True(t, ok)
	assert.Equal(t, models.CommandStart, cmd.Kind)
	assert.Equal(t, "sess-1", cmd.SessionId)
	assert.False(t, cmd.Resolved())

	tbl.Resolve("CP-1", 1, 42)

	cmd, ok = tbl.Get("CP-1", 1)
	require.True(t, ok)
	require.True(t, cmd.Resolved())
	assert.Equal(t, 42, *cmd.TransactionId)

	// Get hands out a copy; mutating it must not reach the table.
	*cmd.TransactionId = 99
	again, _ := tbl.Get("CP-1", 1)
	assert.Equal(t, 42, *again.TransactionId)
}

func TestPutReplacesExisting(t *testing.T) {
	tbl, _ := newFrozen(time.Minute)

	tbl.Put("CP-1", 1, models.CommandStart, "sess-1")
	tbl.Resolve("CP-1", 1, 42)
	tbl.Put("CP-1", 1, models.CommandStop, "sess-2")

	cmd, ok := tbl.Get("CP-1", 1)
	require.True(t, ok)
	assert.Equal(t, models.CommandStop, cmd.Kind)
	assert.Equal(t, "sess-2", cmd.SessionId)
	assert.False(t, cmd.Resolved())
}

func TestEntriesScopedPerConnector(t *testing.T) {
	tbl, _ := newFrozen(time.Minute)

	tbl.Put("CP-1", 1, models.CommandStart, "sess-1")
	tbl.Put("CP-1", 2, models.CommandStart, "sess-2")

	_, ok := tbl.Get("CP-1", 2)
	assert.True(t, ok)
	_, ok = tbl.Get("CP-2", 1)
	assert.False(t, ok)

	tbl.Delete("CP-1", 1)
	_, ok = tbl.Get("CP-1", 1)
	assert.False(t, ok)
	_, ok = tbl.Get("CP-1", 2)
	assert.True(t, ok)
}

func TestLazyExpiry(t *testing.T) {
	tbl, now := newFrozen(time.Minute)

	tbl.Put("CP-1", 1, models.CommandStart, "sess-1")
	*now = now.Add(2 * time.Minute)

	_, ok := tbl.Get("CP-1", 1)
	assert.False(t, ok)

	// Resolve on an expired entry must not revive it.
	tbl.Put("CP-1", 1, models.CommandStart, "sess-2")
	*now = now.Add(2 * time.Minute)
	tbl.Resolve("CP-1", 1, 42)
	_, ok = tbl.Get("CP-1", 1)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	tbl, now := newFrozen(time.Minute)

	tbl.Put("CP-1", 1, models.CommandStart, "sess-1")
	tbl.Put("CP-2", 1, models.CommandStart, "sess-2")
	*now = now.Add(30 * time.Second)
	tbl.Put("CP-3", 1, models.CommandStart, "sess-3")

	*now = now.Add(45 * time.Second)
	assert.Equal(t, 2, tbl.Sweep())

	_, ok := tbl.Get("CP-3", 1)
	assert.True(t, ok)
}
