package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/machpay/relayer/internal/model"
)

type PostgresBatchRepo struct {
	db *sqlx.DB
}

var _ BatchRepo = (*PostgresBatchRepo)(nil)

func NewPostgresBatchRepo(db *sqlx.DB) *PostgresBatchRepo {
	repo := &PostgresBatchRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresBatchRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_batches (
			id TEXT PRIMARY KEY,
			vendor TEXT NOT NULL,
			facts JSONB NOT NULL,
			total_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			ledger_tx_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_batches_vendor_status ON settlement_batches(vendor, status, next_attempt_at)`)
	return nil
}

func (r *PostgresBatchRepo) Save(ctx context.Context, batch *model.SettlementBatch) error {
	factsJSON, err := json.Marshal(batch.Facts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (
			id, vendor, facts, total_amount, status, attempt_count,
			next_attempt_at, last_error, ledger_tx_ref, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			ledger_tx_ref = EXCLUDED.ledger_tx_ref,
			updated_at = now()
	`, batch.ID, batch.Vendor, factsJSON, int64(batch.TotalAmount), batch.Status,
		batch.AttemptCount, batch.NextAttemptAt, batch.LastError, batch.LedgerTxRef,
		batch.CreatedAt)
	return err
}

const batchColumns = `id, vendor, facts, total_amount, status, attempt_count, next_attempt_at, last_error, ledger_tx_ref, created_at, updated_at`

func scanBatch(row sqlx.ColScanner) (*model.SettlementBatch, error) {
	var batch model.SettlementBatch
	var factsJSON []byte
	var total int64
	var nextAttempt sql.NullTime
	if err := row.Scan(
		&batch.ID, &batch.Vendor, &factsJSON, &total, &batch.Status,
		&batch.AttemptCount, &nextAttempt, &batch.LastError, &batch.LedgerTxRef,
		&batch.CreatedAt, &batch.UpdatedAt,
	); err != nil {
		return nil, err
	}
	batch.TotalAmount = uint64(total)
	if nextAttempt.Valid {
		batch.NextAttemptAt = nextAttempt.Time
	}
	if err := json.Unmarshal(factsJSON, &batch.Facts); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *PostgresBatchRepo) Get(ctx context.Context, id string) (*model.SettlementBatch, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return batch, err
}

func (r *PostgresBatchRepo) DueRequeued(ctx context.Context, vendor string, now time.Time) (*model.SettlementBatch, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT `+batchColumns+` FROM settlement_batches
		WHERE vendor = $1 AND status = $2 AND next_attempt_at <= $3
		ORDER BY created_at ASC
		LIMIT 1
	`, vendor, model.BatchRequeued, now)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return batch, err
}

func (r *PostgresBatchRepo) Submitted(ctx context.Context) ([]*model.SettlementBatch, error) {
	return r.ListByStatus(ctx, model.BatchSubmitted)
}

func (r *PostgresBatchRepo) ListByStatus(ctx context.Context, status model.BatchStatus) ([]*model.SettlementBatch, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+batchColumns+` FROM settlement_batches
		WHERE status = $1 ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SettlementBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}
