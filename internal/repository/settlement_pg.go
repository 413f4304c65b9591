package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/machpay/relayer/internal/model"
	"github.com/machpay/relayer/internal/signer"
	"github.com/shopspring/decimal"
)

// PostgresSettlementStore is the durable settlement store. The primary key
// (agent, gateway_id, nonce) serializes concurrent submissions of the same
// fact at the storage layer.
type PostgresSettlementStore struct {
	db *sqlx.DB
}

var _ SettlementStore = (*PostgresSettlementStore)(nil)

func NewPostgresSettlementStore(db *sqlx.DB) *PostgresSettlementStore {
	store := &PostgresSettlementStore{db: db}
	_ = store.ensureSchema(context.Background())
	return store
}

func (s *PostgresSettlementStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_facts (
			agent TEXT NOT NULL,
			gateway_id TEXT NOT NULL,
			nonce BIGINT NOT NULL,
			vendor TEXT NOT NULL,
			amount NUMERIC(20,0) NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			signature TEXT NOT NULL,
			status TEXT NOT NULL,
			reject_reason TEXT NOT NULL DEFAULT '',
			debit_confirmed BOOLEAN NOT NULL DEFAULT false,
			tx_ref TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (agent, gateway_id, nonce)
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_vendor_status ON settlement_facts(vendor, status, received_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_agent ON settlement_facts(agent, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_tx_ref ON settlement_facts(tx_ref) WHERE tx_ref <> ''`)
	return nil
}

func (s *PostgresSettlementStore) Record(ctx context.Context, fact *model.SettlementFact) (model.RecordResult, error) {
	now := time.Now().UTC()

	// The duplicate check comes before validation: an identical redelivery of
	// a durably recorded fact stays a duplicate even after its deadline
	// elapses, so late log replays remain idempotent.
	existing, err := s.Get(ctx, fact.Key())
	switch {
	case err == nil:
		if existing.Identical(fact) {
			return model.RecordResult{Outcome: model.OutcomeDuplicate}, nil
		}
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectNonceReused}, nil
	case !errors.Is(err, ErrNotFound):
		return model.RecordResult{}, err
	}

	if err := signer.Verify(fact); err != nil {
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectBadSignature}, nil
	}
	if !fact.Deadline.After(now) {
		return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectDeadlineElapsed}, nil
	}

	// clock_timestamp() keeps received_at monotonic within the instance even
	// for inserts inside the same transaction.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_facts (
			agent, gateway_id, nonce, vendor, amount, deadline, signature,
			status, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, clock_timestamp())
		ON CONFLICT (agent, gateway_id, nonce) DO NOTHING
	`, fact.Agent, fact.GatewayID, int64(fact.Nonce), fact.Vendor, decimal.NewFromUint64(fact.Amount),
		fact.Deadline, fact.Signature, model.FactPending)
	if err != nil {
		return model.RecordResult{}, err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return model.RecordResult{Outcome: model.OutcomeAccepted}, nil
	}

	// Lost a race with a concurrent submit of the same key.
	existing, err = s.Get(ctx, fact.Key())
	if err != nil {
		return model.RecordResult{}, err
	}
	if existing.Identical(fact) {
		return model.RecordResult{Outcome: model.OutcomeDuplicate}, nil
	}
	return model.RecordResult{Outcome: model.OutcomeRejected, Reason: model.RejectNonceReused}, nil
}

const factColumns = `agent, gateway_id, nonce, vendor, amount, deadline, signature, status, reject_reason, debit_confirmed, tx_ref, received_at`

func scanFact(row sqlx.ColScanner) (*model.SettlementFact, error) {
	var fact model.SettlementFact
	var nonce int64
	var amount decimal.Decimal
	if err := row.Scan(
		&fact.Agent, &fact.GatewayID, &nonce, &fact.Vendor, &amount,
		&fact.Deadline, &fact.Signature, &fact.Status, &fact.RejectReason,
		&fact.DebitConfirmed, &fact.TxRef, &fact.ReceivedAt,
	); err != nil {
		return nil, err
	}
	fact.Nonce = uint64(nonce)
	fact.Amount = amount.BigInt().Uint64()
	return &fact, nil
}

func (s *PostgresSettlementStore) Get(ctx context.Context, key model.FactKey) (*model.SettlementFact, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+factColumns+` FROM settlement_facts
		WHERE agent = $1 AND gateway_id = $2 AND nonce = $3
	`, key.Agent, key.GatewayID, int64(key.Nonce))
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return fact, err
}

func (s *PostgresSettlementStore) PendingByVendor(ctx context.Context, vendor string, limit int) ([]*model.SettlementFact, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+factColumns+` FROM settlement_facts
		WHERE vendor = $1 AND status = $2
		ORDER BY received_at ASC
		LIMIT $3
	`, vendor, model.FactPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFacts(rows)
}

func collectFacts(rows *sqlx.Rows) ([]*model.SettlementFact, error) {
	var facts []*model.SettlementFact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func (s *PostgresSettlementStore) PendingVendors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT DISTINCT vendor FROM settlement_facts WHERE status = $1
	`, model.FactPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []string
	for rows.Next() {
		var vendor string
		if err := rows.Scan(&vendor); err != nil {
			return nil, err
		}
		vendors = append(vendors, vendor)
	}
	return vendors, rows.Err()
}

func (s *PostgresSettlementStore) LiabilityByGateway(ctx context.Context, agent string) (map[string]uint64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT gateway_id, COALESCE(SUM(amount), 0) FROM settlement_facts
		WHERE agent = $1 AND (
			status IN ($2, $3)
			OR (status = $4 AND debit_confirmed = false)
		)
		GROUP BY gateway_id
	`, agent, model.FactPending, model.FactHeld, model.FactSettled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]uint64)
	for rows.Next() {
		var gatewayID string
		var sum decimal.Decimal
		if err := rows.Scan(&gatewayID, &sum); err != nil {
			return nil, err
		}
		// The NUMERIC sum is exact; it must still fit the wire type.
		value, err := decimalToUint64(sum)
		if err != nil {
			return nil, fmt.Errorf("liability for gateway %s: %w", gatewayID, err)
		}
		sums[gatewayID] = value
	}
	return sums, rows.Err()
}

func (s *PostgresSettlementStore) ScanConflicts(ctx context.Context) ([]ConflictGroup, error) {
	// Rejected facts are out of play; every other status still participates
	// in conflict grouping so that a late third gateway is matched against
	// facts that already settled or became evidence.
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+factColumns+` FROM settlement_facts f
		WHERE f.status <> $1 AND (f.agent, f.nonce) IN (
			SELECT agent, nonce FROM settlement_facts
			WHERE status <> $1
			GROUP BY agent, nonce
			HAVING COUNT(DISTINCT gateway_id) > 1
		)
		ORDER BY f.agent, f.nonce, f.received_at, f.gateway_id
	`, model.FactRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facts, err := collectFacts(rows)
	if err != nil {
		return nil, err
	}

	var out []ConflictGroup
	for _, fact := range facts {
		n := len(out)
		if n == 0 || out[n-1].Agent != fact.Agent || out[n-1].Nonce != fact.Nonce {
			out = append(out, ConflictGroup{Agent: fact.Agent, Nonce: fact.Nonce})
			n++
		}
		out[n-1].Facts = append(out[n-1].Facts, fact)
	}
	return out, nil
}

func (s *PostgresSettlementStore) updateKeys(ctx context.Context, keys []model.FactKey, set string, args ...interface{}) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE settlement_facts SET %s WHERE agent = $%d AND gateway_id = $%d AND nonce = $%d`,
		set, len(args)+1, len(args)+2, len(args)+3)
	for _, key := range keys {
		keyArgs := append(append([]interface{}{}, args...), key.Agent, key.GatewayID, int64(key.Nonce))
		if _, err := tx.ExecContext(ctx, query, keyArgs...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Hold only transitions pending facts; any other status is left untouched.
func (s *PostgresSettlementStore) Hold(ctx context.Context, keys []model.FactKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE settlement_facts SET status = $1
			WHERE agent = $2 AND gateway_id = $3 AND nonce = $4 AND status = $5
		`, model.FactHeld, key.Agent, key.GatewayID, int64(key.Nonce), model.FactPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Release is the operator-driven inverse of Hold.
func (s *PostgresSettlementStore) Release(ctx context.Context, keys []model.FactKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE settlement_facts SET status = $1
			WHERE agent = $2 AND gateway_id = $3 AND nonce = $4 AND status = $5
		`, model.FactPending, key.Agent, key.GatewayID, int64(key.Nonce), model.FactHeld); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSettled only transitions pending facts. A fact that became equivocation
// evidence or was quarantined between submission and commit keeps its status.
func (s *PostgresSettlementStore) MarkSettled(ctx context.Context, keys []model.FactKey, txRef string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE settlement_facts SET status = $1, tx_ref = $2
			WHERE agent = $3 AND gateway_id = $4 AND nonce = $5 AND status = $6
		`, model.FactSettled, txRef, key.Agent, key.GatewayID, int64(key.Nonce), model.FactPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresSettlementStore) MarkDebited(ctx context.Context, txRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_facts SET debit_confirmed = true
		WHERE status = $1 AND tx_ref = $2
	`, model.FactSettled, txRef)
	return err
}

func (s *PostgresSettlementStore) MarkRejected(ctx context.Context, keys []model.FactKey, reason string) error {
	return s.updateKeys(ctx, keys, `status = $1, reject_reason = $2`, model.FactRejected, reason)
}

func (s *PostgresSettlementStore) MarkSlashedEvidence(ctx context.Context, keys []model.FactKey) error {
	return s.updateKeys(ctx, keys, `status = $1`, model.FactSlashedEvidence)
}
