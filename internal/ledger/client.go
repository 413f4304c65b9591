package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/machpay/relayer/internal/config"
	"github.com/machpay/relayer/internal/model"
)

// Sentinel classification of ledger failures. The batcher branches on these:
// a rejection is a business-rule failure (requeue as-is), unavailability is
// an unknown outcome (re-query before any retry).
var (
	ErrRejected    = errors.New("ledger rejected instruction")
	ErrUnavailable = errors.New("ledger unavailable")
)

// TransferProof is one constituent fact carried in a cumulative transfer as
// its authorization evidence.
type TransferProof struct {
	Agent     string `json:"agent"`
	GatewayID string `json:"gateway_id"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// TransferInstruction is the single batched instruction submitted per vendor.
// The ledger commits or rejects it atomically.
type TransferInstruction struct {
	IdempotencyKey string          `json:"idempotency_key"` // batch id
	Vendor         string          `json:"vendor"`
	TotalAmount    uint64          `json:"total_amount"`
	Proofs         []TransferProof `json:"proofs"`
}

// Client is the opaque on-chain ledger. SubmitTransfer is the single
// blocking external call in the relayer; callers run it under an explicit
// timeout and treat a timeout as outcome unknown.
type Client interface {
	// SubmitTransfer submits a cumulative transfer. Failure is classified as
	// ErrRejected or ErrUnavailable via errors.Is.
	SubmitTransfer(ctx context.Context, instr TransferInstruction) (txRef string, err error)

	// QueryTransfer resolves an unknown outcome: it reports whether an
	// instruction with the given idempotency key has already committed.
	QueryTransfer(ctx context.Context, idempotencyKey string) (txRef string, found bool, err error)

	// TransferDebited reports whether a committed transfer's bond debits are
	// reflected in agent bonds.
	TransferDebited(ctx context.Context, txRef string) (bool, error)

	// SubmitSlash submits an equivocation proof for bond forfeiture.
	SubmitSlash(ctx context.Context, proof *model.EquivocationProof) (slashRef string, err error)

	// GetBond fetches an agent's bond state.
	GetBond(ctx context.Context, agent string) (*model.BondState, error)
}

// HTTPClient talks to the ledger adapter over JSON HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(cfg *config.Config) *HTTPClient {
	timeout := cfg.Ledger.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.Ledger.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var ledgerErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ledgerErr)
		return fmt.Errorf("%w: %s %s", ErrRejected, ledgerErr.Error, ledgerErr.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) SubmitTransfer(ctx context.Context, instr TransferInstruction) (string, error) {
	var resp struct {
		TxRef string `json:"tx_ref"`
	}
	if err := c.post(ctx, "/transfers", instr, &resp); err != nil {
		return "", err
	}
	return resp.TxRef, nil
}

func (c *HTTPClient) QueryTransfer(ctx context.Context, idempotencyKey string) (string, bool, error) {
	var resp struct {
		TxRef string `json:"tx_ref"`
	}
	status, err := c.get(ctx, "/transfers/"+idempotencyKey, &resp)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	return resp.TxRef, true, nil
}

func (c *HTTPClient) TransferDebited(ctx context.Context, txRef string) (bool, error) {
	var resp struct {
		Debited bool `json:"debited"`
	}
	status, err := c.get(ctx, "/transfers/"+txRef+"/debit", &resp)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	return resp.Debited, nil
}

func (c *HTTPClient) SubmitSlash(ctx context.Context, proof *model.EquivocationProof) (string, error) {
	var resp struct {
		SlashRef string `json:"slash_ref"`
	}
	if err := c.post(ctx, "/slashes", proof, &resp); err != nil {
		return "", err
	}
	return resp.SlashRef, nil
}

func (c *HTTPClient) GetBond(ctx context.Context, agent string) (*model.BondState, error) {
	var bond model.BondState
	status, err := c.get(ctx, "/bonds/"+agent, &bond)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("bond for %s: not found", agent)
	}
	bond.FetchedAt = time.Now().UTC()
	return &bond, nil
}
