// Package pending holds the in-memory table of remote commands awaiting
// station confirmation. Entries are per-process and deliberately not
// persisted: an unresolved placeholder should die with the process that
// issued the command.
package pending

import (
	"sync"
	"time"

	"csms/internal/models"
)

// DefaultTTL is how long an unresolved placeholder survives before it is
// expired.
const DefaultTTL = 5 * time.Minute

type key struct {
	deviceId    string
	connectorId int
}

// Table is a concurrency-safe (deviceId, connectorId) → PendingCommand map.
// The command issuer and the response consumer race on it; all access goes
// through the mutex.
type Table struct {
	mu      sync.RWMutex
	entries map[key]*models.PendingCommand
	ttl     time.Duration
	now     func() time.Time
}

func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		entries: make(map[key]*models.PendingCommand),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put registers a placeholder the instant a command is dispatched. An
// existing entry for the connector is replaced: a newer operator action
// supersedes a stale one.
func (t *Table) Put(deviceId string, connectorId int, kind, sessionId string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key{deviceId, connectorId}] = &models.PendingCommand{
		DeviceId:    deviceId,
		ConnectorId: connectorId,
		Kind:        kind,
		SessionId:   sessionId,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.ttl),
	}
}

// Resolve replaces the placeholder with the real transactionId once a
// matching protocol event arrives. No-op if nothing is pending.
func (t *Table) Resolve(deviceId string, connectorId int, transactionId int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{deviceId, connectorId}
	e, ok := t.entries[k]
	if !ok || t.now().After(e.ExpiresAt) {
		delete(t.entries, k)
		return
	}
	id := transactionId
	e.TransactionId = &id
}

// Get returns a copy of the live entry for the connector, expiring lazily.
func (t *Table) Get(deviceId string, connectorId int) (*models.PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{deviceId, connectorId}
	e, ok := t.entries[k]
	if !ok {
		return nil, false
	}
	if t.now().After(e.ExpiresAt) {
		delete(t.entries, k)
		return nil, false
	}
	cp := *e
	if e.TransactionId != nil {
		id := *e.TransactionId
		cp.TransactionId = &id
	}
	return &cp, true
}

// Delete removes the entry, typically after a terminal command response.
func (t *Table) Delete(deviceId string, connectorId int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{deviceId, connectorId})
}

// Sweep drops expired entries; intended to run on a ticker.
func (t *Table) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for k, e := range t.entries {
		if now.After(e.ExpiresAt) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps periodically until the stop channel closes.
func (t *Table) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
