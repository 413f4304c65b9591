package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/machpay/relayer/internal/model"
)

type PostgresProofRepo struct {
	db *sqlx.DB
}

var _ ProofRepo = (*PostgresProofRepo)(nil)

func NewPostgresProofRepo(db *sqlx.DB) *PostgresProofRepo {
	repo := &PostgresProofRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresProofRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS equivocation_proofs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			nonce BIGINT NOT NULL,
			payload JSONB NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT false,
			slash_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (agent, nonce)
		)
	`)
	return err
}

func (r *PostgresProofRepo) Save(ctx context.Context, proof *model.EquivocationProof) error {
	payload, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO equivocation_proofs (id, agent, nonce, payload, consumed, slash_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent, nonce) DO NOTHING
	`, proof.ID, proof.Agent, int64(proof.Nonce), payload, proof.Consumed, proof.SlashRef, proof.CreatedAt)
	return err
}

func (r *PostgresProofRepo) ByPair(ctx context.Context, agent string, nonce uint64) (*model.EquivocationProof, error) {
	proofs, err := r.list(ctx, `WHERE agent = $1 AND nonce = $2`, agent, int64(nonce))
	if err != nil {
		return nil, err
	}
	if len(proofs) == 0 {
		return nil, ErrNotFound
	}
	return proofs[0], nil
}

func (r *PostgresProofRepo) list(ctx context.Context, where string, args ...interface{}) ([]*model.EquivocationProof, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT payload, consumed, slash_ref FROM equivocation_proofs `+where+` ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.EquivocationProof
	for rows.Next() {
		var payload []byte
		var consumed bool
		var slashRef string
		if err := rows.Scan(&payload, &consumed, &slashRef); err != nil {
			return nil, err
		}
		var proof model.EquivocationProof
		if err := json.Unmarshal(payload, &proof); err != nil {
			return nil, err
		}
		proof.Consumed = consumed
		proof.SlashRef = slashRef
		out = append(out, &proof)
	}
	return out, rows.Err()
}

func (r *PostgresProofRepo) Unconsumed(ctx context.Context) ([]*model.EquivocationProof, error) {
	return r.list(ctx, `WHERE consumed = false`)
}

func (r *PostgresProofRepo) List(ctx context.Context) ([]*model.EquivocationProof, error) {
	return r.list(ctx, ``)
}

func (r *PostgresProofRepo) MarkConsumed(ctx context.Context, id, slashRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE equivocation_proofs SET consumed = true, slash_ref = $2 WHERE id = $1
	`, id, slashRef)
	return err
}
