package compliance

import (
	"sync"
	"time"
)

const auditCapacity = 1000

// AuditEntry records a single data operation against the wrapped backend.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Table     string            `json:"table"`
	SubjectID string            `json:"subjectId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditTrail keeps the most recent audit entries in a bounded in-memory
// ring. When the capacity is exceeded the oldest entries are dropped.
type AuditTrail struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewAuditTrail() *AuditTrail {
	return &AuditTrail{
		entries: make([]AuditEntry, 0, auditCapacity),
	}
}

func (t *AuditTrail) Append(entry AuditEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	t.entries = append(t.entries, entry)
	if len(t.entries) > auditCapacity {
		t.entries = t.entries[len(t.entries)-auditCapacity:]
	}
}

// Entries returns a copy of the trail, oldest first.
func (t *AuditTrail) Entries() []AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AuditEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// BySubject returns the entries attributed to the given subject.
func (t *AuditTrail) BySubject(subjectID string) []AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []AuditEntry
	for _, e := range t.entries {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}

// RemoveSubject drops all entries attributed to the given subject and
// returns how many were removed. Used during erasure.
func (t *AuditTrail) RemoveSubject(subjectID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.SubjectID == subjectID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return removed
}

func (t *AuditTrail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
