package sampleresults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// -- Dispatch intents --

type intentRepoPG struct{ db queryable }

func NewIntentRepoPG(pool *pgxpool.Pool) IntentRepository {
	return &intentRepoPG{db: pool}
}

const intentCols = `id, sample_uuid, sample_label, user_uuid, result_uuid, mapped_code, payload,
	transmit_state, status_state, state, attempts, external_ref, last_error,
	claimed_at, created_at, updated_at`

// claimableStates are retried without a lease check; IN_FLIGHT needs an
// expired claim.
var claimableStates = []string{string(IntentPending), string(IntentPartial), string(IntentFailed)}

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

func (r *intentRepoPG) scanRow(row pgx.Row) (*DispatchIntent, error) {
	var in DispatchIntent
	var payload []byte
	err := row.Scan(&in.ID, &in.SampleUUID, &in.SampleLabel, &in.UserUUID, &in.ResultUUID,
		&in.MappedCode, &payload,
		&in.TransmitState, &in.StatusState, &in.State, &in.Attempts, &in.ExternalRef, &in.LastError,
		&in.ClaimedAt, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	if len(payload) > 0 {
		in.Payload = &Payload{}
		if err := json.Unmarshal(payload, in.Payload); err != nil {
			return nil, fmt.Errorf("decode intent payload: %w", err)
		}
	}
	return &in, nil
}

func (r *intentRepoPG) Create(ctx context.Context, in *DispatchIntent) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("encode intent payload: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO dispatch_intent (id, sample_uuid, sample_label, user_uuid, result_uuid, mapped_code, payload,
			transmit_state, status_state, state, attempts, claimed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		in.ID, in.SampleUUID, in.SampleLabel, in.UserUUID, in.ResultUUID, in.MappedCode, payload,
		in.TransmitState, in.StatusState, in.State, in.Attempts, in.ClaimedAt,
	).Scan(&in.CreatedAt, &in.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDispatchInFlight
	}
	return err
}

func (r *intentRepoPG) Update(ctx context.Context, in *DispatchIntent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE dispatch_intent SET transmit_state=$2, status_state=$3, state=$4, attempts=$5,
			external_ref=$6, last_error=$7, claimed_at=$8, updated_at=NOW()
		WHERE id = $1`,
		in.ID, in.TransmitState, in.StatusState, in.State, in.Attempts, in.ExternalRef, in.LastError, in.ClaimedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (r *intentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DispatchIntent, error) {
	return r.scanRow(r.db.QueryRow(ctx, `SELECT `+intentCols+` FROM dispatch_intent WHERE id = $1`, id))
}

func stateNames(states []IntentState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}

func (r *intentRepoPG) ListByState(ctx context.Context, states []IntentState, limit, offset int) ([]*DispatchIntent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+intentCols+` FROM dispatch_intent
		WHERE state = ANY($1) ORDER BY created_at ASC LIMIT $2 OFFSET $3`, stateNames(states), limit, offset)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *intentRepoPG) CountByState(ctx context.Context, states []IntentState) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_intent WHERE state = ANY($1)`, stateNames(states)).Scan(&n)
	return n, err
}

func (r *intentRepoPG) ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]*DispatchIntent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+intentCols+` FROM dispatch_intent
		WHERE state = ANY($1) OR (state = 'IN_FLIGHT' AND claimed_at < $2)
		ORDER BY created_at ASC LIMIT $3`, claimableStates, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// Claim is a conditional update, so of several concurrent claimers
// (reconciler replicas, operator retries) exactly one gets the row.
func (r *intentRepoPG) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*DispatchIntent, error) {
	in, err := r.scanRow(r.db.QueryRow(ctx, `
		UPDATE dispatch_intent SET state = 'IN_FLIGHT', claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND (state = ANY($2) OR (state = 'IN_FLIGHT' AND claimed_at < $3))
		RETURNING `+intentCols, id, claimableStates, staleBefore))
	if errors.Is(err, ErrIntentNotFound) {
		return nil, ErrDispatchInFlight
	}
	return in, err
}

func (r *intentRepoPG) ListBySample(ctx context.Context, sampleUUID string) ([]*DispatchIntent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+intentCols+` FROM dispatch_intent
		WHERE sample_uuid = $1 ORDER BY created_at DESC`, sampleUUID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *intentRepoPG) collect(rows pgx.Rows) ([]*DispatchIntent, error) {
	defer rows.Close()
	var items []*DispatchIntent
	for rows.Next() {
		in, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, in)
	}
	return items, rows.Err()
}

// -- Status history --

type statusHistoryRepoPG struct{ db queryable }

func NewStatusHistoryRepoPG(pool *pgxpool.Pool) StatusHistoryRepository {
	return &statusHistoryRepoPG{db: pool}
}

func (r *statusHistoryRepoPG) Create(ctx context.Context, h *StatusHistory) error {
	h.ID = uuid.New()
	_, err := r.db.Exec(ctx, `
		INSERT INTO sample_status_history (id, sample_uuid, from_status, to_status, changed_by, remarks, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.SampleUUID, h.FromStatus, h.ToStatus, h.ChangedBy, h.Remarks, h.ChangedAt)
	return err
}

func (r *statusHistoryRepoPG) ListBySample(ctx context.Context, sampleUUID string) ([]*StatusHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, sample_uuid, from_status, to_status, changed_by, remarks, changed_at
		FROM sample_status_history WHERE sample_uuid = $1 ORDER BY changed_at DESC`, sampleUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.SampleUUID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.Remarks, &h.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
