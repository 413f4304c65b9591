package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/machpay/relayer/internal/model"
)

// Mock is an in-memory ledger used by tests. It records every committed
// transfer by idempotency key so the unknown-outcome re-query path can be
// exercised, and can be scripted to reject or drop submissions.
type Mock struct {
	mu sync.Mutex

	// Committed transfers by idempotency key.
	transfers map[string]string // idempotency key -> tx ref
	debited   map[string]bool   // tx ref -> bond debit reflected
	slashes   map[string]string // proof id -> slash ref
	bonds     map[string]*model.BondState

	// SubmitCount tallies SubmitTransfer calls per idempotency key,
	// including failed ones.
	SubmitCount map[string]int

	// FailNext scripts the next n SubmitTransfer calls to return err.
	failNext    int
	failErr     error
	commitOnErr bool // commit despite returning err (simulates lost ack)
}

func NewMock() *Mock {
	return &Mock{
		transfers:   make(map[string]string),
		debited:     make(map[string]bool),
		slashes:     make(map[string]string),
		bonds:       make(map[string]*model.BondState),
		SubmitCount: make(map[string]int),
	}
}

// FailNextSubmits makes the next n submissions fail with err.
func (m *Mock) FailNextSubmits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
	m.commitOnErr = false
}

// LoseNextAck makes the next submission commit on the ledger but still
// return ErrUnavailable, as a timeout after a successful commit would.
func (m *Mock) LoseNextAck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = 1
	m.failErr = ErrUnavailable
	m.commitOnErr = true
}

func (m *Mock) SetBond(bond *model.BondState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonds[bond.Agent] = bond
}

func (m *Mock) Committed(idempotencyKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.transfers[idempotencyKey]
	return ref, ok
}

func (m *Mock) SubmitTransfer(ctx context.Context, instr TransferInstruction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubmitCount[instr.IdempotencyKey]++

	if ref, ok := m.transfers[instr.IdempotencyKey]; ok {
		// The ledger itself is idempotent on the key.
		return ref, nil
	}

	if m.failNext > 0 {
		m.failNext--
		if m.commitOnErr {
			m.transfers[instr.IdempotencyKey] = "tx-" + uuid.NewString()
		}
		return "", m.failErr
	}

	ref := "tx-" + uuid.NewString()
	m.transfers[instr.IdempotencyKey] = ref
	m.debited[ref] = true
	return ref, nil
}

func (m *Mock) QueryTransfer(ctx context.Context, idempotencyKey string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.transfers[idempotencyKey]
	return ref, ok, nil
}

func (m *Mock) TransferDebited(ctx context.Context, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debited[txRef], nil
}

func (m *Mock) SubmitSlash(ctx context.Context, proof *model.EquivocationProof) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.slashes[proof.ID]; ok {
		return ref, nil
	}
	ref := "slash-" + uuid.NewString()
	m.slashes[proof.ID] = ref
	return ref, nil
}

func (m *Mock) GetBond(ctx context.Context, agent string) (*model.BondState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bond, ok := m.bonds[agent]
	if !ok {
		return nil, fmt.Errorf("bond for %s: not found", agent)
	}
	cp := *bond
	return &cp, nil
}

var _ Client = (*Mock)(nil)
