package compliance

import (
	"sync"
	"time"
)

// TableInventory is the compliance view of one table: how many records it
// holds, whether any of its fields are encrypted at rest, and when it was
// last touched through the layer.
type TableInventory struct {
	Count        int64     `json:"count"`
	Encrypted    bool      `json:"encrypted"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// Inventory tracks per-table compliance state. Counts are maintained from
// the mutations flowing through the layer and corrected whenever a Count
// call reports the authoritative number.
type Inventory struct {
	mu     sync.RWMutex
	tables map[string]TableInventory
}

func NewInventory() *Inventory {
	return &Inventory{
		tables: make(map[string]TableInventory),
	}
}

// Touch records an access and adjusts the running count by delta.
func (i *Inventory) Touch(table string, delta int64, encrypted bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	inv := i.tables[table]
	inv.Count += delta
	if inv.Count < 0 {
		inv.Count = 0
	}
	if encrypted {
		inv.Encrypted = true
	}
	inv.LastAccessed = time.Now().UTC()
	i.tables[table] = inv
}

// SetCount replaces the running count with an authoritative value.
func (i *Inventory) SetCount(table string, count int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	inv := i.tables[table]
	inv.Count = count
	inv.LastAccessed = time.Now().UTC()
	i.tables[table] = inv
}

// Drop forgets a table, after Clear or DropTable.
func (i *Inventory) Drop(table string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.tables, table)
}

// Snapshot returns a copy of the inventory keyed by table.
func (i *Inventory) Snapshot() map[string]TableInventory {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]TableInventory, len(i.tables))
	for t, inv := range i.tables {
		out[t] = inv
	}
	return out
}
