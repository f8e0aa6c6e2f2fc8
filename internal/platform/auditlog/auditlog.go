// Package auditlog appends run lifecycle actions (launch, cancel, forced
// failure) to a per-tenant hash chain. Each row's digest covers the digest
// of the tenant's previous row, so a deleted or edited row breaks Verify.
package auditlog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionRunLaunched  = "run.launched"
	ActionRunCanceled  = "run.canceled"
	ActionRunForceFail = "run.force_failed"
)

type Event struct {
	OccurredAt   time.Time
	TenantID     string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      any
}

func (e Event) normalized() Event {
	e.OccurredAt = e.OccurredAt.UTC()
	e.TenantID = strings.TrimSpace(e.TenantID)
	e.Actor = strings.TrimSpace(e.Actor)
	e.Action = strings.TrimSpace(e.Action)
	e.ResourceType = strings.TrimSpace(e.ResourceType)
	e.ResourceID = strings.TrimSpace(e.ResourceID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	return e
}

func (e Event) Validate() error {
	e = e.normalized()
	missing := func(field string) error { return fmt.Errorf("%s is required", field) }
	switch {
	case e.OccurredAt.IsZero():
		return missing("OccurredAt")
	case e.TenantID == "":
		return missing("TenantID")
	case e.Actor == "":
		return missing("Actor")
	case e.Action == "":
		return missing("Action")
	case e.ResourceType == "":
		return missing("ResourceType")
	case e.ResourceID == "":
		return missing("ResourceID")
	}
	return nil
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type DBRecorder struct {
	db  TxBeginner
	now func() time.Time
}

func NewDBRecorder(db TxBeginner) *DBRecorder {
	return &DBRecorder{db: db, now: time.Now}
}

func (r *DBRecorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("audit recorder not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	event = event.normalized()
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serializes appends per tenant so two writers never share a parent.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "audit:"+event.TenantID); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	var prev string
	err = tx.QueryRowContext(ctx, selectHeadQuery, event.TenantID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read audit head: %w", err)
	}
	digest, err := Digest(event, payload, prev)
	if err != nil {
		return err
	}

	var requestID sql.NullString
	if event.RequestID != "" {
		requestID = sql.NullString{String: event.RequestID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, insertEventQuery,
		event.OccurredAt,
		event.TenantID,
		event.Actor,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		requestID,
		payload,
		prev,
		digest,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return tx.Commit()
}

const selectHeadQuery = `SELECT integrity_sha256 FROM audit_events
	WHERE tenant_id = $1
	ORDER BY event_id DESC
	LIMIT 1`

const insertEventQuery = `INSERT INTO audit_events (
		occurred_at,
		tenant_id,
		actor,
		action,
		resource_type,
		resource_id,
		request_id,
		payload,
		prev_sha256,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// Digest hashes the normalized event, its payload and the digest of the
// previous link. prev is empty for the first event of a tenant. The payload
// is re-encoded with sorted keys so a JSONB round trip hashes the same.
func Digest(event Event, payload []byte, prev string) (string, error) {
	event = event.normalized()
	payload, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(struct {
		Prev         string          `json:"prev"`
		OccurredAt   time.Time       `json:"occurred_at"`
		TenantID     string          `json:"tenant_id"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}{
		Prev:         prev,
		OccurredAt:   event.OccurredAt,
		TenantID:     event.TenantID,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshal digest input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return json.Marshal(v)
}

// Link is one stored row of a tenant chain, oldest first.
type Link struct {
	Event   Event
	Payload []byte
	Prev    string
	Digest  string
}

// Verify walks a tenant chain and returns the index of the first link whose
// parent or digest does not match, or -1 when the chain is intact.
func Verify(chain []Link) (int, error) {
	prev := ""
	for i, link := range chain {
		if link.Prev != prev {
			return i, nil
		}
		want, err := Digest(link.Event, link.Payload, link.Prev)
		if err != nil {
			return i, err
		}
		if want != link.Digest {
			return i, nil
		}
		prev = link.Digest
	}
	return -1, nil
}
