package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/sosodev/duration"

	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/storage"
)

// Purpose is one declared processing purpose subjects can consent to.
type Purpose struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
}

// Config declares the compliance policy applied on top of a backend.
type Config struct {
	EncryptionEnabled bool   `yaml:"encryptionEnabled,omitempty"`
	EncryptionKey     string `yaml:"encryptionKey,omitempty"`

	// EncryptedFields maps table name to the fields encrypted at rest.
	// Only string values are transformed; filters cannot match on the
	// plaintext of an encrypted field.
	EncryptedFields map[string][]string `yaml:"encryptedFields,omitempty"`

	AuditEnabled bool `yaml:"auditEnabled,omitempty"`

	// RetentionPeriod is an ISO-8601 duration (e.g. "P90D"). It is
	// advisory: the layer reports it but does not expire records.
	RetentionPeriod string `yaml:"retentionPeriod,omitempty"`

	Purposes []Purpose `yaml:"consentPurposes,omitempty"`

	// GatedTables maps table name to the purpose id a subject must have
	// granted before the layer accepts a mutation on that table.
	GatedTables map[string]string `yaml:"gatedTables,omitempty"`
}

type subjectKey struct{}

// WithSubject marks ctx as acting on behalf of a data subject. Consent
// gating and audit attribution both read it.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subjectID)
}

// SubjectFrom extracts the acting subject from ctx, if one was set.
func SubjectFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// Layer wraps a storage backend with the compliance policy. It satisfies
// storage.Backend itself: data-path operations are intercepted for
// encryption, consent gating, auditing and inventory tracking, while
// connection, transaction and schema operations pass straight through.
type Layer struct {
	storage.Backend

	cfg       Config
	enc       *Encryptor
	audit     *AuditTrail
	consents  *ConsentLedger
	inventory *Inventory
	retention time.Duration
	log       *observability.Logger
}

// Wrap builds a compliance layer over inner. It fails if encryption is
// enabled without a usable key, or the retention period does not parse.
func Wrap(inner storage.Backend, cfg Config, log *observability.Logger) (*Layer, error) {
	if log == nil {
		log = observability.Nop()
	}

	l := &Layer{
		Backend:   inner,
		cfg:       cfg,
		audit:     NewAuditTrail(),
		consents:  NewConsentLedger(),
		inventory: NewInventory(),
		log:       log,
	}

	if cfg.EncryptionEnabled {
		enc, err := NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("compliance encryption: %w", err)
		}
		l.enc = enc
	}

	if cfg.RetentionPeriod != "" {
		d, err := duration.Parse(cfg.RetentionPeriod)
		if err != nil {
			return nil, fmt.Errorf("parse retention period %q: %w", cfg.RetentionPeriod, err)
		}
		l.retention = d.ToTimeDuration()
	}

	return l, nil
}

// Inner exposes the wrapped backend, for callers that need to bypass the
// policy layer (tests, migrations).
func (l *Layer) Inner() storage.Backend { return l.Backend }

// RetentionPeriod returns the configured retention window, zero when unset.
func (l *Layer) RetentionPeriod() time.Duration { return l.retention }

// AuditEntries returns a copy of the audit trail, oldest first.
func (l *Layer) AuditEntries() []AuditEntry { return l.audit.Entries() }

// DataInventory returns the per-table compliance inventory.
func (l *Layer) DataInventory() map[string]TableInventory { return l.inventory.Snapshot() }

// RecordConsent stores a subject's consent decision for a purpose. When
// purposes are declared in the config, the purpose must be one of them.
func (l *Layer) RecordConsent(ctx context.Context, subjectID, purposeID string, granted bool) (ConsentRecord, error) {
	if subjectID == "" {
		return ConsentRecord{}, fmt.Errorf("subject id is required")
	}
	if len(l.cfg.Purposes) > 0 && !l.knownPurpose(purposeID) {
		return ConsentRecord{}, fmt.Errorf("unknown consent purpose %q", purposeID)
	}

	rec := l.consents.Record(subjectID, purposeID, granted)
	l.recordAudit(ctx, "consent", "", map[string]string{
		"purpose": purposeID,
		"granted": fmt.Sprintf("%t", granted),
		"subject": subjectID,
	})
	return rec, nil
}

// ConsentGranted reports whether the subject's latest decision for the
// purpose is a grant.
func (l *Layer) ConsentGranted(subjectID, purposeID string) bool {
	return l.consents.Granted(subjectID, purposeID)
}

func (l *Layer) knownPurpose(id string) bool {
	for _, p := range l.cfg.Purposes {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ------------------------------------------------------------------
// Intercepted data path
// ------------------------------------------------------------------

func (l *Layer) Create(ctx context.Context, table string, e *storage.Entity) (*storage.Entity, error) {
	if err := l.gate(ctx, table); err != nil {
		return nil, err
	}
	enc, err := l.encryptEntity(table, e)
	if err != nil {
		return nil, err
	}
	created, err := l.Backend.Create(ctx, table, enc)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, 1, l.tableEncrypted(table))
	l.recordAudit(ctx, "create", table, map[string]string{"id": created.ID})
	return l.decryptEntity(table, created)
}

func (l *Layer) CreateMany(ctx context.Context, table string, entities []*storage.Entity) ([]*storage.Entity, error) {
	if err := l.gate(ctx, table); err != nil {
		return nil, err
	}
	encrypted := make([]*storage.Entity, len(entities))
	for i, e := range entities {
		enc, err := l.encryptEntity(table, e)
		if err != nil {
			return nil, err
		}
		encrypted[i] = enc
	}
	created, err := l.Backend.CreateMany(ctx, table, encrypted)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, int64(len(created)), l.tableEncrypted(table))
	l.recordAudit(ctx, "createMany", table, map[string]string{"count": fmt.Sprintf("%d", len(created))})
	return l.decryptEntities(table, created)
}

func (l *Layer) Read(ctx context.Context, table, id string) (*storage.Entity, error) {
	e, err := l.Backend.Read(ctx, table, id)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, 0, l.tableEncrypted(table))
	l.recordAudit(ctx, "read", table, map[string]string{"id": id})
	if e == nil {
		return nil, nil
	}
	return l.decryptEntity(table, e)
}

func (l *Layer) Update(ctx context.Context, table, id string, fields map[string]any) (*storage.Entity, error) {
	if err := l.gate(ctx, table); err != nil {
		return nil, err
	}
	encFields, err := l.encryptFields(table, fields)
	if err != nil {
		return nil, err
	}
	updated, err := l.Backend.Update(ctx, table, id, encFields)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, 0, l.tableEncrypted(table))
	l.recordAudit(ctx, "update", table, map[string]string{"id": id})
	return l.decryptEntity(table, updated)
}

func (l *Layer) UpdateMany(ctx context.Context, table string, updates []storage.Update) ([]*storage.Entity, error) {
	if err := l.gate(ctx, table); err != nil {
		return nil, err
	}
	encrypted := make([]storage.Update, len(updates))
	for i, u := range updates {
		fields, err := l.encryptFields(table, u.Fields)
		if err != nil {
			return nil, err
		}
		encrypted[i] = storage.Update{ID: u.ID, Fields: fields}
	}
	result, err := l.Backend.UpdateMany(ctx, table, encrypted)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, 0, l.tableEncrypted(table))
	l.recordAudit(ctx, "updateMany", table, map[string]string{"count": fmt.Sprintf("%d", len(result))})
	return l.decryptEntities(table, result)
}

func (l *Layer) Delete(ctx context.Context, table, id string) error {
	if err := l.gate(ctx, table); err != nil {
		return err
	}
	if err := l.Backend.Delete(ctx, table, id); err != nil {
		return err
	}
	l.inventory.Touch(table, -1, l.tableEncrypted(table))
	l.recordAudit(ctx, "delete", table, map[string]string{"id": id})
	return nil
}

func (l *Layer) DeleteMany(ctx context.Context, table string, ids []string) (int, error) {
	if err := l.gate(ctx, table); err != nil {
		return 0, err
	}
	n, err := l.Backend.DeleteMany(ctx, table, ids)
	if n > 0 {
		l.inventory.Touch(table, -int64(n), l.tableEncrypted(table))
	}
	if err != nil {
		return n, err
	}
	l.recordAudit(ctx, "deleteMany", table, map[string]string{"count": fmt.Sprintf("%d", n)})
	return n, nil
}

func (l *Layer) Query(ctx context.Context, table string, f storage.Filter) ([]*storage.Entity, error) {
	results, err := l.Backend.Query(ctx, table, f)
	if err != nil {
		return nil, err
	}
	l.inventory.Touch(table, 0, l.tableEncrypted(table))
	l.recordAudit(ctx, "query", table, map[string]string{"results": fmt.Sprintf("%d", len(results))})
	return l.decryptEntities(table, results)
}

func (l *Layer) Count(ctx context.Context, table string, where storage.Predicate) (int64, error) {
	n, err := l.Backend.Count(ctx, table, where)
	if err != nil {
		return 0, err
	}
	if where == nil {
		l.inventory.SetCount(table, n)
	}
	l.recordAudit(ctx, "count", table, nil)
	return n, nil
}

func (l *Layer) Search(ctx context.Context, table, term string, fields []string) ([]*storage.Entity, error) {
	results, err := l.Backend.Search(ctx, table, term, fields)
	if err != nil {
		return nil, err
	}
	l.recordAudit(ctx, "search", table, map[string]string{"results": fmt.Sprintf("%d", len(results))})
	return l.decryptEntities(table, results)
}

func (l *Layer) Clear(ctx context.Context, table string) error {
	if err := l.gate(ctx, table); err != nil {
		return err
	}
	if err := l.Backend.Clear(ctx, table); err != nil {
		return err
	}
	l.inventory.Drop(table)
	l.recordAudit(ctx, "clear", table, nil)
	return nil
}

func (l *Layer) DropTable(ctx context.Context, table string) error {
	if err := l.Backend.DropTable(ctx, table); err != nil {
		return err
	}
	l.inventory.Drop(table)
	l.recordAudit(ctx, "dropTable", table, nil)
	return nil
}

func (l *Layer) Backup(ctx context.Context) (*storage.Snapshot, error) {
	snap, err := l.Backend.Backup(ctx)
	if err != nil {
		return nil, err
	}
	l.recordAudit(ctx, "backup", "", map[string]string{
		"snapshot": snap.ID,
		"records":  fmt.Sprintf("%d", snap.Metadata.TotalRecords),
	})
	return snap, nil
}

func (l *Layer) Restore(ctx context.Context, snap *storage.Snapshot, opts storage.RestoreOptions) error {
	if err := l.Backend.Restore(ctx, snap, opts); err != nil {
		return err
	}
	details := map[string]string{}
	if snap != nil {
		details["snapshot"] = snap.ID
	}
	l.recordAudit(ctx, "restore", "", details)
	return nil
}

// ------------------------------------------------------------------
// Policy helpers
// ------------------------------------------------------------------

// gate refuses a mutation on a gated table unless the acting subject has
// granted the table's purpose.
func (l *Layer) gate(ctx context.Context, table string) error {
	purpose, gated := l.cfg.GatedTables[table]
	if !gated {
		return nil
	}
	subject, ok := SubjectFrom(ctx)
	if !ok {
		return &ConsentError{Purpose: purpose, Table: table}
	}
	if !l.consents.Granted(subject, purpose) {
		return &ConsentError{SubjectID: subject, Purpose: purpose, Table: table}
	}
	return nil
}

func (l *Layer) recordAudit(ctx context.Context, op, table string, details map[string]string) {
	if !l.cfg.AuditEnabled {
		return
	}
	subject, _ := SubjectFrom(ctx)
	l.audit.Append(AuditEntry{
		Operation: op,
		Table:     table,
		SubjectID: subject,
		Details:   details,
	})
}

func (l *Layer) encryptedFields(table string) []string {
	if l.enc == nil {
		return nil
	}
	return l.cfg.EncryptedFields[table]
}

func (l *Layer) tableEncrypted(table string) bool {
	return len(l.encryptedFields(table)) > 0
}

// encryptFields returns a copy of fields with the table's configured
// string fields encrypted. Non-string values pass through untouched.
func (l *Layer) encryptFields(table string, fields map[string]any) (map[string]any, error) {
	targets := l.encryptedFields(table)
	if len(targets) == 0 || len(fields) == 0 {
		return fields, nil
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, name := range targets {
		v, ok := out[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || l.enc.IsEncrypted(s) {
			continue
		}
		enc, err := l.enc.Encrypt(s)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s.%s: %w", table, name, err)
		}
		out[name] = enc
	}
	return out, nil
}

func (l *Layer) encryptEntity(table string, e *storage.Entity) (*storage.Entity, error) {
	if e == nil || len(l.encryptedFields(table)) == 0 {
		return e, nil
	}
	cp := e.Clone()
	fields, err := l.encryptFields(table, cp.Fields)
	if err != nil {
		return nil, err
	}
	cp.Fields = fields
	return cp, nil
}

func (l *Layer) decryptEntity(table string, e *storage.Entity) (*storage.Entity, error) {
	targets := l.encryptedFields(table)
	if e == nil || len(targets) == 0 {
		return e, nil
	}

	cp := e.Clone()
	for _, name := range targets {
		v, ok := cp.Fields[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || !l.enc.IsEncrypted(s) {
			continue
		}
		plain, err := l.enc.Decrypt(s)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s.%s: %w", table, name, err)
		}
		cp.Fields[name] = plain
	}
	return cp, nil
}

func (l *Layer) decryptEntities(table string, entities []*storage.Entity) ([]*storage.Entity, error) {
	if len(l.encryptedFields(table)) == 0 {
		return entities, nil
	}
	out := make([]*storage.Entity, len(entities))
	for i, e := range entities {
		dec, err := l.decryptEntity(table, e)
		if err != nil {
			return nil, err
		}
		out[i] = dec
	}
	return out, nil
}
