package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum/internal/storage"
)

// ownershipFields are the fields a record can carry to tie it to a data
// subject. A record belongs to a subject when any of them (or the record
// id itself) equals the subject id.
var ownershipFields = []string{"userId", "authorId", "ownerId", "subjectId"}

// fieldAnonymizedAt marks a record already anonymized by a keepEssential
// erasure, so a second erasure run leaves it alone.
const fieldAnonymizedAt = "anonymizedAt"

// SubjectExport is everything the system holds about one data subject:
// their records across all tables, their consent decisions, and the audit
// entries attributed to them.
type SubjectExport struct {
	SubjectID  string                       `json:"subjectId"`
	ExportedAt time.Time                    `json:"exportedAt"`
	Tables     map[string][]*storage.Entity `json:"tables"`
	Consents   []ConsentRecord              `json:"consents,omitempty"`
	Audit      []AuditEntry                 `json:"audit,omitempty"`
}

// ErasureOptions controls how subject data is removed.
type ErasureOptions struct {
	// KeepEssential anonymizes matching records in place instead of
	// deleting them: ownership and encrypted fields are blanked and the
	// record is marked anonymized.
	KeepEssential bool
}

// ErasureResult reports what an erasure run did.
type ErasureResult struct {
	SubjectID     string    `json:"subjectId"`
	Erased        int       `json:"erased"`
	Anonymized    int       `json:"anonymized"`
	CertificateID string    `json:"certificateId"`
	CompletedAt   time.Time `json:"completedAt"`
	Errors        []string  `json:"errors,omitempty"`
}

// subjectPredicate matches records owned by the subject through any
// ownership field or the record id.
func subjectPredicate(subjectID string) storage.Predicate {
	preds := make([]storage.Predicate, 0, len(ownershipFields)+1)
	preds = append(preds, storage.Cmp{Field: storage.FieldID, Op: storage.OpEq, Value: subjectID})
	for _, f := range ownershipFields {
		preds = append(preds, storage.Cmp{Field: f, Op: storage.OpEq, Value: subjectID})
	}
	return storage.Or{Preds: preds}
}

// ExportSubjectData gathers every record owned by the subject across all
// tables, plus their consents and audit history. It is read-only: the
// wrapped backend is not mutated.
func (l *Layer) ExportSubjectData(ctx context.Context, subjectID string) (*SubjectExport, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	tables, err := l.Backend.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	export := &SubjectExport{
		SubjectID:  subjectID,
		ExportedAt: time.Now().UTC(),
		Tables:     make(map[string][]*storage.Entity),
		Consents:   l.consents.BySubject(subjectID),
		Audit:      l.audit.BySubject(subjectID),
	}

	where := subjectPredicate(subjectID)
	for _, table := range tables {
		matches, err := l.Backend.Query(ctx, table, storage.Filter{Where: where})
		if err != nil {
			return nil, fmt.Errorf("export table %s: %w", table, err)
		}
		if len(matches) == 0 {
			continue
		}
		decrypted, err := l.decryptEntities(table, matches)
		if err != nil {
			return nil, err
		}
		export.Tables[table] = decrypted
	}

	l.recordAudit(ctx, "export", "", map[string]string{
		"subject": subjectID,
		"tables":  fmt.Sprintf("%d", len(export.Tables)),
	})
	return export, nil
}

// EraseSubjectData removes (or, with KeepEssential, anonymizes) every
// record owned by the subject, drops their consent records, and purges
// their audit history. Tables are processed best-effort: a failure in one
// is reported in Errors and the rest continue. Running it again for the
// same subject is a no-op.
func (l *Layer) EraseSubjectData(ctx context.Context, subjectID string, opts ErasureOptions) (*ErasureResult, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	result := &ErasureResult{
		SubjectID:     subjectID,
		CertificateID: uuid.NewString(),
	}

	tables, err := l.Backend.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	where := subjectPredicate(subjectID)
	for _, table := range tables {
		matches, err := l.Backend.Query(ctx, table, storage.Filter{Where: where})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("table %s: %v", table, err))
			continue
		}
		for _, e := range matches {
			if _, done := e.Fields[fieldAnonymizedAt]; done {
				continue
			}
			if opts.KeepEssential {
				if err := l.anonymize(ctx, table, e); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("table %s id %s: %v", table, e.ID, err))
					continue
				}
				result.Anonymized++
			} else {
				if err := l.Backend.Delete(ctx, table, e.ID); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("table %s id %s: %v", table, e.ID, err))
					continue
				}
				l.inventory.Touch(table, -1, l.tableEncrypted(table))
				result.Erased++
			}
		}
	}

	l.consents.RemoveSubject(subjectID)
	l.audit.RemoveSubject(subjectID)

	result.CompletedAt = time.Now().UTC()
	// Recorded against a bare context: the subject's history was just
	// purged, so the certificate entry names them in details only.
	l.recordAudit(context.Background(), "erasure", "", map[string]string{
		"subject":     subjectID,
		"certificate": result.CertificateID,
		"erased":      fmt.Sprintf("%d", result.Erased),
		"anonymized":  fmt.Sprintf("%d", result.Anonymized),
	})
	return result, nil
}

// anonymize blanks the fields that tie a record to its subject and marks
// the record so later erasure runs skip it. Encrypted fields are redacted
// rather than re-encrypted: the plaintext is gone for good.
func (l *Layer) anonymize(ctx context.Context, table string, e *storage.Entity) error {
	fields := map[string]any{
		fieldAnonymizedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, f := range ownershipFields {
		if _, ok := e.Fields[f]; ok {
			fields[f] = "anonymized"
		}
	}
	for _, f := range l.cfg.EncryptedFields[table] {
		if _, ok := e.Fields[f]; ok {
			fields[f] = "[redacted]"
		}
	}
	_, err := l.Backend.Update(ctx, table, e.ID, fields)
	return err
}
