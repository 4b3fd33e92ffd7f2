package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

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

const dealColumns = `deal_id, name, state, stress_mode, append_halted, created_at, updated_at`

const eventColumns = `event_id, deal_id, seq, event_type, payload_json::text, actor_id, prev_hash, hash, from_state, to_state, occurred_at`

const claimColumns = `claim_id, deal_id, field, value, trust_tier, confidence, source_document, created_by, created_at, promoted_at, promoted_by, attestation`

const outboxColumns = `outbox_id, deal_id, event_id, seq, event_type, body_json::text, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

func (s *Store) GetDeal(ctx context.Context, dealID string) (types.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE deal_id = $1`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		return types.Deal{}, notFound(err)
	}
	return d, nil
}

func (s *Store) ListDeals(ctx context.Context) ([]types.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dealColumns+` FROM deals ORDER BY created_at ASC, deal_id ASC`)
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE deal_id = $1 ORDER BY seq ASC`, dealID)
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE deal_id = $1 ORDER BY created_at ASC, claim_id ASC`, dealID)
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
		roles []byte
	)
	row := s.db.QueryRowContext(ctx, `SELECT actor_id, display_name, roles_json FROM actors WHERE actor_id = $1`, actorID)
	if err := row.Scan(&a.ID, &a.DisplayName, &roles); err != nil {
		return types.Actor{}, notFound(err)
	}
	if err := json.Unmarshal(roles, &a.Roles); err != nil {
		return types.Actor{}, fmt.Errorf("decode roles for %s: %w", actorID, err)
	}
	return a, nil
}

func (s *Store) PutActor(ctx context.Context, actor types.Actor) error {
	roles, err := json.Marshal(actor.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO actors(actor_id, display_name, roles_json) VALUES($1, $2, $3)
ON CONFLICT(actor_id) DO UPDATE SET display_name=EXCLUDED.display_name, roles_json=EXCLUDED.roles_json`,
		actor.ID, actor.DisplayName, string(roles))
	return err
}

func (s *Store) GetKey(ctx context.Context, keyID string) (ledger.KeyRecord, error) {
	var (
		rec     ledger.KeyRecord
		rotated sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, `SELECT key_id, public_key, created_at, rotated_at FROM signing_keys WHERE key_id = $1`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.PublicKey, &rec.CreatedAt, &rotated); err != nil {
		return ledger.KeyRecord{}, notFound(err)
	}
	rec.RotatedAt = nullTime(rotated)
	return rec, nil
}

func (s *Store) PutKey(ctx context.Context, key ledger.KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signing_keys(key_id, public_key, created_at, rotated_at) VALUES($1, $2, $3, $4)
ON CONFLICT(key_id) DO UPDATE SET public_key=EXCLUDED.public_key, rotated_at=EXCLUDED.rotated_at`,
		key.KeyID, key.PublicKey, key.CreatedAt.UTC(), key.RotatedAt)
	return err
}

func (s *Store) PutOutbox(ctx context.Context, rec ledger.OutboxRecord) error {
	return putOutbox(ctx, s.db, rec)
}

func (s *Store) ListOutboxDue(ctx context.Context, now time.Time, limit int) ([]ledger.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+`
FROM event_outbox
WHERE status = $1 AND next_attempt_at <= $2
ORDER BY next_attempt_at ASC, outbox_id ASC
LIMIT $3`, ledger.OutboxPending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutboxRecord{}
	for rows.Next() {
		var (
			rec     ledger.OutboxRecord
			body    string
			lastErr sql.NullString
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&rec.OutboxID, &rec.DealID, &rec.EventID, &rec.Sequence, &rec.EventType, &body, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &lastErr, &sentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.BodyJSON = []byte(body)
		if lastErr.Valid {
			msg := lastErr.String
			rec.LastError = &msg
		}
		rec.SentAt = nullTime(sentAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// GetDeal locks the deal row so concurrent writers on the same deal queue
// behind this transaction.
func (t *Tx) GetDeal(dealID string) (types.Deal, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+dealColumns+` FROM deals WHERE deal_id = $1 FOR UPDATE`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		return types.Deal{}, notFound(err)
	}
	return d, nil
}

func (t *Tx) CreateDeal(deal types.Deal) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO deals(`+dealColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7)`,
		deal.ID, deal.Name, string(deal.State), deal.StressMode, deal.AppendHalted, deal.CreatedAt.UTC(), deal.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *Tx) UpdateDeal(deal types.Deal) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE deals SET name = $1, state = $2, stress_mode = $3, append_halted = $4, updated_at = $5 WHERE deal_id = $6`,
		deal.Name, string(deal.State), deal.StressMode, deal.AppendHalted, deal.UpdatedAt.UTC(), deal.ID)
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
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+eventColumns+` FROM events WHERE deal_id = $1 ORDER BY seq DESC LIMIT 1`, dealID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Event{}, false, nil
	}
	if err != nil {
		return types.Event{}, false, err
	}
	return ev, true, nil
}

// AppendEvent inserts only when ev.Sequence is exactly one past the stored
// tail. The (deal_id, seq) unique index catches writers that raced past the
// check.
func (t *Tx) AppendEvent(ev types.Event) error {
	var maxSeq sql.NullInt64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT MAX(seq) FROM events WHERE deal_id = $1`, ev.DealID).Scan(&maxSeq); err != nil {
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.DealID, ev.Sequence, string(ev.Type), string(payload), ev.ActorID, ev.PreviousHash, ev.Hash,
		string(ev.FromState), string(ev.ToState), ev.OccurredAt.UTC())
	if isUniqueViolation(err) {
		return ledger.ErrConcurrentAppendConflict
	}
	return err
}

func (t *Tx) GetClaim(claimID string) (types.Claim, error) {
	return getClaim(t.ctx, t.tx, claimID)
}

func (t *Tx) PutClaim(c types.Claim) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO claims(`+claimColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT(claim_id) DO UPDATE SET
  trust_tier=EXCLUDED.trust_tier,
  promoted_at=EXCLUDED.promoted_at,
  promoted_by=EXCLUDED.promoted_by,
  attestation=EXCLUDED.attestation`,
		c.ID, c.DealID, c.Field, c.Value, string(c.Tier), c.Confidence, c.SourceDocument, c.CreatedBy, c.CreatedAt.UTC(),
		c.PromotedAt, c.PromotedBy, c.Attestation)
	return err
}

func (t *Tx) ListApprovals(dealID string) ([]approval.Record, error) {
	return listApprovals(t.ctx, t.tx, dealID)
}

func (t *Tx) PutApproval(rec approval.Record) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO approvals(deal_id, action, role, actor_id, approved_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT(deal_id, action, role) DO NOTHING`,
		rec.DealID, rec.Action, rec.Role, rec.ActorID, rec.ApprovedAt.UTC())
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

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(row scanner) (types.Deal, error) {
	var d types.Deal
	if err := row.Scan(&d.ID, &d.Name, &d.State, &d.StressMode, &d.AppendHalted, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return types.Deal{}, err
	}
	return d, nil
}

func scanEvent(row scanner) (types.Event, error) {
	var (
		ev      types.Event
		payload string
		prev    sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.DealID, &ev.Sequence, &ev.Type, &payload, &ev.ActorID, &prev, &ev.Hash, &ev.FromState, &ev.ToState, &ev.OccurredAt); err != nil {
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
	return ev, nil
}

func getClaim(ctx context.Context, q queryer, claimID string) (types.Claim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_id = $1`, claimID)
	c, err := scanClaim(row)
	if err != nil {
		return types.Claim{}, notFound(err)
	}
	return c, nil
}

func scanClaim(row scanner) (types.Claim, error) {
	var (
		c                       types.Claim
		confidence              sql.NullFloat64
		promotedAt              sql.NullTime
		promotedBy, attestation sql.NullString
	)
	if err := row.Scan(&c.ID, &c.DealID, &c.Field, &c.Value, &c.Tier, &confidence, &c.SourceDocument, &c.CreatedBy, &c.CreatedAt, &promotedAt, &promotedBy, &attestation); err != nil {
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
	c.PromotedAt = nullTime(promotedAt)
	return c, nil
}

func listApprovals(ctx context.Context, q queryer, dealID string) ([]approval.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT deal_id, action, role, actor_id, approved_at FROM approvals WHERE deal_id = $1 ORDER BY approved_at ASC, role ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []approval.Record{}
	for rows.Next() {
		var rec approval.Record
		if err := rows.Scan(&rec.DealID, &rec.Action, &rec.Role, &rec.ActorID, &rec.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func putOutbox(ctx context.Context, q queryer, rec ledger.OutboxRecord) error {
	_, err := q.ExecContext(ctx, `INSERT INTO event_outbox(outbox_id, deal_id, event_id, seq, event_type, body_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT(outbox_id) DO UPDATE SET
  status=EXCLUDED.status,
  attempt_count=EXCLUDED.attempt_count,
  next_attempt_at=EXCLUDED.next_attempt_at,
  last_error=EXCLUDED.last_error,
  sent_at=EXCLUDED.sent_at,
  updated_at=EXCLUDED.updated_at`,
		rec.OutboxID, rec.DealID, rec.EventID, rec.Sequence, string(rec.EventType), string(rec.BodyJSON), rec.Status, rec.AttemptCount,
		rec.NextAttemptAt.UTC(), rec.LastError, rec.SentAt, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
