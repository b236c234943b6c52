package compliance

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrConsentRequired is the sentinel for writes refused by consent gating.
// Callers test for it with errors.Is; the concrete error carries the
// subject, purpose, and table involved.
var ErrConsentRequired = errors.New("consent required")

// ConsentError reports a write refused because the acting subject has not
// granted the purpose required by the target table.
type ConsentError struct {
	SubjectID string
	Purpose   string
	Table     string
}

func (e *ConsentError) Error() string {
	if e.SubjectID == "" {
		return fmt.Sprintf("table %q requires consent for purpose %q and no subject is set", e.Table, e.Purpose)
	}
	return fmt.Sprintf("subject %q has not granted purpose %q required by table %q", e.SubjectID, e.Purpose, e.Table)
}

func (e *ConsentError) Is(target error) bool {
	return target == ErrConsentRequired
}

// ConsentRecord captures a subject's decision for one processing purpose.
type ConsentRecord struct {
	SubjectID string    `json:"subjectId"`
	Purpose   string    `json:"purpose"`
	Granted   bool      `json:"granted"`
	Timestamp time.Time `json:"timestamp"`
}

type consentKey struct {
	subject string
	purpose string
}

// ConsentLedger tracks the latest consent decision per (subject, purpose).
// Re-recording a decision overwrites the previous one.
type ConsentLedger struct {
	mu      sync.RWMutex
	records map[consentKey]ConsentRecord
}

func NewConsentLedger() *ConsentLedger {
	return &ConsentLedger{
		records: make(map[consentKey]ConsentRecord),
	}
}

func (l *ConsentLedger) Record(subjectID, purpose string, granted bool) ConsentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := ConsentRecord{
		SubjectID: subjectID,
		Purpose:   purpose,
		Granted:   granted,
		Timestamp: time.Now().UTC(),
	}
	l.records[consentKey{subjectID, purpose}] = rec
	return rec
}

// Granted reports whether the subject's latest decision for the purpose
// is an explicit grant. Absence of a record counts as not granted.
func (l *ConsentLedger) Granted(subjectID, purpose string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[consentKey{subjectID, purpose}]
	return ok && rec.Granted
}

// BySubject returns all consent records for the given subject.
func (l *ConsentLedger) BySubject(subjectID string) []ConsentRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ConsentRecord
	for k, rec := range l.records {
		if k.subject == subjectID {
			out = append(out, rec)
		}
	}
	return out
}

// RemoveSubject drops every consent record for the subject and returns
// how many were removed. Used during erasure.
func (l *ConsentLedger) RemoveSubject(subjectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k := range l.records {
		if k.subject == subjectID {
			delete(l.records, k)
			removed++
		}
	}
	return removed
}
