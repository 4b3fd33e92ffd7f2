package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{ctx: ctx, tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetDeal(ctx context.Context, dealID string) (types.Deal, error) {
	return getDeal(ctx, s.db, dealID)
}

func (s *Store) ListDeals(ctx context.Context) ([]types.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT deal_id, name, state, stress_mode, append_halted, created_at, updated_at
FROM deals ORDER BY created_at ASC, deal_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, dealID string) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE deal_id = ? ORDER BY seq ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetClaim(ctx context.Context, claimID string) (types.Claim, error) {
	return getClaim(ctx, s.db, claimID)
}

func (s *Store) ListClaims(ctx context.Context, dealID string) ([]types.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE deal_id = ? ORDER BY created_at ASC, claim_id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListApprovals(ctx context.Context, dealID string) ([]approval.Record, error) {
	return listApprovals(ctx, s.db, dealID)
}

func (s *Store) GetActor(ctx context.Context, actorID string) (types.Actor, error) {
	var (
		a     types.Actor
		roles string
	)
	row := s.db.QueryRowContext(ctx, `SELECT actor_id, display_name, roles_json FROM actors WHERE actor_id = ?`, actorID)
	if err := row.Scan(&a.ID, &a.DisplayName, &roles); err != nil {
		return types.Actor{}, notFound(err)
	}
	if err := json.Unmarshal([]byte(roles), &a.Roles); err != nil {
		return types.Actor{}, fmt.Errorf("decode roles for %s: %w", actorID, err)
	}
	return a, nil
}

func (s *Store) PutActor(ctx context.Context, actor types.Actor) error {
	roles, err := json.Marshal(actor.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO actors(actor_id, display_name, roles_json) VALUES(?, ?, ?)
ON CONFLICT(actor_id) DO UPDATE SET display_name=excluded.display_name, roles_json=excluded.roles_json`,
		actor.ID, actor.DisplayName, string(roles))
	return err
}

func (s *Store) GetKey(ctx context.Context, keyID string) (ledger.KeyRecord, error) {
	var (
		rec       ledger.KeyRecord
		createdAt string
		rotatedAt sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `SELECT key_id, public_key, created_at, rotated_at FROM signing_keys WHERE key_id = ?`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.PublicKey, &createdAt, &rotatedAt); err != nil {
		return ledger.KeyRecord{}, notFound(err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.KeyRecord{}, err
	}
	if rec.RotatedAt, err = parseNullTime(rotatedAt); err != nil {
		return ledger.KeyRecord{}, err
	}
	return rec, nil
}

func (s *Store) PutKey(ctx context.Context, key ledger.KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signing_keys(key_id, public_key, created_at, rotated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(key_id) DO UPDATE SET public_key=excluded.public_key, rotated_at=excluded.rotated_at`,
		key.KeyID, key.PublicKey, formatTime(key.CreatedAt), formatNullTime(key.RotatedAt))
	return err
}

func (s *Store) PutOutbox(ctx context.Context, rec ledger.OutboxRecord) error {
	return putOutbox(ctx, s.db, rec)
}

func (s *Store) ListOutboxDue(ctx context.Context, now time.Time, limit int) ([]ledger.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT outbox_id, deal_id, event_id, seq, event_type, body_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at
FROM event_outbox
WHERE status = ? AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, outbox_id ASC
LIMIT ?`, ledger.OutboxPending, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutboxRecord{}
	for rows.Next() {
		var (
			rec                                ledger.OutboxRecord
			body, nextAt, createdAt, updatedAt string
			lastErr, sentAt                    sql.NullString
		)
		if err := rows.Scan(&rec.OutboxID, &rec.DealID, &rec.EventID, &rec.Sequence, &rec.EventType, &body, &rec.Status, &rec.AttemptCount, &nextAt, &lastErr, &sentAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.BodyJSON = []byte(body)
		if lastErr.Valid {
			msg := lastErr.String
			rec.LastError = &msg
		}
		if rec.NextAttemptAt, err = parseTime(nextAt); err != nil {
			return nil, err
		}
		if rec.SentAt, err = parseNullTime(sentAt); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *Tx) GetDeal(dealID string) (types.Deal, error) {
	return getDeal(t.ctx, t.tx, dealID)
}

func (t *Tx) CreateDeal(deal types.Deal) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO deals(deal_id, name, state, stress_mode, append_halted, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		deal.ID, deal.Name, string(deal.State), deal.StressMode, deal.AppendHalted, formatTime(deal.CreatedAt), formatTime(deal.UpdatedAt))
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *Tx) UpdateDeal(deal types.Deal) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE deals SET name = ?, state = ?, stress_mode = ?, append_halted = ?, updated_at = ? WHERE deal_id = ?`,
		deal.Name, string(deal.State), deal.StressMode, deal.AppendHalted, formatTime(deal.UpdatedAt), deal.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *Tx) TailEvent(dealID string) (types.Event, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+eventColumns+` FROM events WHERE deal_id = ? ORDER BY seq DESC LIMIT 1`, dealID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Event{}, false, nil
	}
	if err != nil {
		return types.Event{}, false, err
	}
	return ev, true, nil
}

func (t *Tx) AppendEvent(ev types.Event) error {
	var maxSeq sql.NullInt64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT MAX(seq) FROM events WHERE deal_id = ?`, ev.DealID).Scan(&maxSeq); err != nil {
		return err
	}
	if ev.Sequence != maxSeq.Int64+1 {
		return ledger.ErrConcurrentAppendConflict
	}

	payload, err := crypto.Canonicalize(nonNil(ev.Payload))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO events(event_id, deal_id, seq, event_type, payload_json, actor_id, prev_hash, hash, from_state, to_state, occurred_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DealID, ev.Sequence, string(ev.Type), string(payload), ev.ActorID, ev.PreviousHash, ev.Hash,
		string(ev.FromState), string(ev.ToState), formatTime(ev.OccurredAt))
	if isUniqueViolation(err) {
		return ledger.ErrConcurrentAppendConflict
	}
	return err
}

func (t *Tx) GetClaim(claimID string) (types.Claim, error) {
	return getClaim(t.ctx, t.tx, claimID)
}

func (t *Tx) PutClaim(c types.Claim) error {
	var confidence sql.NullFloat64
	if c.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *c.Confidence, Valid: true}
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO claims(claim_id, deal_id, field, value, trust_tier, confidence, source_document, created_by, created_at, promoted_at, promoted_by, attestation)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(claim_id) DO UPDATE SET
  trust_tier=excluded.trust_tier,
  promoted_at=excluded.promoted_at,
  promoted_by=excluded.promoted_by,
  attestation=excluded.attestation`,
		c.ID, c.DealID, c.Field, c.Value, string(c.Tier), confidence, c.SourceDocument, c.CreatedBy, formatTime(c.CreatedAt),
		formatNullTime(c.PromotedAt), c.PromotedBy, c.Attestation)
	return err
}

func (t *Tx) ListApprovals(dealID string) ([]approval.Record, error) {
	return listApprovals(t.ctx, t.tx, dealID)
}

func (t *Tx) PutApproval(rec approval.Record) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO approvals(deal_id, action, role, actor_id, approved_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(deal_id, action, role) DO NOTHING`,
		rec.DealID, rec.Action, rec.Role, rec.ActorID, formatTime(rec.ApprovedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tx) PutOutbox(rec ledger.OutboxRecord) error {
	return putOutbox(t.ctx, t.tx, rec)
}

const eventColumns = `event_id, deal_id, seq, event_type, payload_json, actor_id, prev_hash, hash, from_state, to_state, occurred_at`

const claimColumns = `claim_id, deal_id, field, value, trust_tier, confidence, source_document, created_by, created_at, promoted_at, promoted_by, attestation`

type scanner interface {
	Scan(dest ...any) error
}

func getDeal(ctx context.Context, q queryer, dealID string) (types.Deal, error) {
	row := q.QueryRowContext(ctx, `SELECT deal_id, name, state, stress_mode, append_halted, created_at, updated_at FROM deals WHERE deal_id = ?`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		return types.Deal{}, notFound(err)
	}
	return d, nil
}

func scanDeal(row scanner) (types.Deal, error) {
	var (
		d                    types.Deal
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.State, &d.StressMode, &d.AppendHalted, &createdAt, &updatedAt); err != nil {
		return types.Deal{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Deal{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.Deal{}, err
	}
	return d, nil
}

func scanEvent(row scanner) (types.Event, error) {
	var (
		ev                  types.Event
		payload, occurredAt string
		prev                sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.DealID, &ev.Sequence, &ev.Type, &payload, &ev.ActorID, &prev, &ev.Hash, &ev.FromState, &ev.ToState, &occurredAt); err != nil {
		return types.Event{}, err
	}
	if prev.Valid {
		p := prev.String
		ev.PreviousHash = &p
	}
	var err error
	if ev.Payload, err = crypto.DecodeObject([]byte(payload)); err != nil {
		return types.Event{}, fmt.Errorf("decode payload %s#%d: %w", ev.DealID, ev.Sequence, err)
	}
	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

func getClaim(ctx context.Context, q queryer, claimID string) (types.Claim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_id = ?`, claimID)
	c, err := scanClaim(row)
	if err != nil {
		return types.Claim{}, notFound(err)
	}
	return c, nil
}

func scanClaim(row scanner) (types.Claim, error) {
	var (
		c                      types.Claim
		confidence             sql.NullFloat64
		createdAt              string
		promotedAt, promotedBy sql.NullString
		attestation            sql.NullString
	)
	if err := row.Scan(&c.ID, &c.DealID, &c.Field, &c.Value, &c.Tier, &confidence, &c.SourceDocument, &c.CreatedBy, &createdAt, &promotedAt, &promotedBy, &attestation); err != nil {
		return types.Claim{}, err
	}
	if confidence.Valid {
		v := confidence.Float64
		c.Confidence = &v
	}
	if promotedBy.Valid {
		v := promotedBy.String
		c.PromotedBy = &v
	}
	if attestation.Valid {
		v := attestation.String
		c.Attestation = &v
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Claim{}, err
	}
	if c.PromotedAt, err = parseNullTime(promotedAt); err != nil {
		return types.Claim{}, err
	}
	return c, nil
}

func listApprovals(ctx context.Context, q queryer, dealID string) ([]approval.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT deal_id, action, role, actor_id, approved_at FROM approvals WHERE deal_id = ? ORDER BY approved_at ASC, role ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []approval.Record{}
	for rows.Next() {
		var (
			rec        approval.Record
			approvedAt string
		)
		if err := rows.Scan(&rec.DealID, &rec.Action, &rec.Role, &rec.ActorID, &approvedAt); err != nil {
			return nil, err
		}
		if rec.ApprovedAt, err = parseTime(approvedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func putOutbox(ctx context.Context, q queryer, rec ledger.OutboxRecord) error {
	_, err := q.ExecContext(ctx, `INSERT INTO event_outbox(outbox_id, deal_id, event_id, seq, event_type, body_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(outbox_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.OutboxID, rec.DealID, rec.EventID, rec.Sequence, string(rec.EventType), string(rec.BodyJSON), rec.Status, rec.AttemptCount,
		formatTime(rec.NextAttemptAt), rec.LastError, formatNullTime(rec.SentAt), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
