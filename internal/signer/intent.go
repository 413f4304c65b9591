package signer

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/machpay/relayer/internal/model"
)

// IntentTypeHash domain-separates settlement intent digests from any other
// signed payload an agent key might produce.
var IntentTypeHash = crypto.Keccak256Hash([]byte("MachPaySettlementIntent(address agent,address vendor,address gateway,uint64 amount,uint64 nonce,uint64 deadline)"))

// IntentDigest computes the keccak256 digest an agent signs to authorize a
// settlement fact. Fields are laid out as 32-byte words: typeHash, agent,
// vendor, gateway, amount, nonce, deadline (unix seconds).
func IntentDigest(fact *model.SettlementFact) common.Hash {
	data := make([]byte, 32*7)

	copy(data[0:32], IntentTypeHash.Bytes())
	copy(data[32+12:64], common.HexToAddress(fact.Agent).Bytes())
	copy(data[64+12:96], common.HexToAddress(fact.Vendor).Bytes())
	copy(data[96+12:128], common.HexToAddress(fact.GatewayID).Bytes())
	binary.BigEndian.PutUint64(data[128+24:160], fact.Amount)
	binary.BigEndian.PutUint64(data[160+24:192], fact.Nonce)
	binary.BigEndian.PutUint64(data[192+24:224], uint64(fact.Deadline.Unix()))

	return crypto.Keccak256Hash(data)
}

// Sign produces the agent signature over a fact's intent digest. Used by
// gateway-side tooling and tests; the relayer itself only verifies.
func Sign(fact *model.SettlementFact, key *ecdsa.PrivateKey) (string, error) {
	digest := IntentDigest(fact)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// Verify recovers the signer of a fact's intent signature and requires it to
// equal the fact's agent address.
func Verify(fact *model.SettlementFact) error {
	raw := common.FromHex(fact.Signature)
	if len(raw) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}

	// Normalize the recovery id back to 0/1 for SigToPub.
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := IntentDigest(fact)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("signature recovery failed: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(fact.Agent) {
		return fmt.Errorf("signature recovered %s, want agent %s", recovered.Hex(), fact.Agent)
	}
	return nil
}

// Address renders a private key's address in the canonical form used for
// agent, vendor, and gateway identities.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
