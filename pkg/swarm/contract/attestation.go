package contract

import (
	"time"

	"github.com/corral-run/corral/pkg/canonical"
	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/crypto"
)

// Attestor signs and verifies the per-hop delegation chain. All nodes of a
// mesh derive the same attestation key from the shared secret.
type Attestor struct {
	signer *crypto.SecretSigner
	clock  func() time.Time
}

// NewAttestor derives the attestation signing key from the node secret.
func NewAttestor(nodeSecret []byte) (*Attestor, error) {
	signer, err := crypto.NewSecretSigner(nodeSecret, "attestation")
	if err != nil {
		return nil, err
	}
	return &Attestor{signer: signer, clock: time.Now}, nil
}

// WithClock replaces the wall clock, for tests.
func (a *Attestor) WithClock(clock func() time.Time) *Attestor {
	a.clock = clock
	return a
}

// hopBody is the signing input of one hop. The signature field itself is
// excluded; prev_hash binds the hop to its predecessor.
type hopBody struct {
	NodeID    string `json:"node_id"`
	PrevHash  string `json:"prev_hash"`
	Timestamp string `json:"timestamp"`
}

func hopPayload(hop contracts.AttestationHop) ([]byte, error) {
	return canonical.JSON(hopBody{
		NodeID:    hop.NodeID,
		PrevHash:  hop.PrevHash,
		Timestamp: hop.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// hopHash is the chain link: the hash of the predecessor's full hop record.
func hopHash(hop contracts.AttestationHop) (string, error) {
	return canonical.Hash(hop)
}

// Append adds this node's hop to the chain and returns the extended chain.
func (a *Attestor) Append(chain []contracts.AttestationHop, nodeID string) ([]contracts.AttestationHop, error) {
	prevHash := canonical.ZeroHash
	if len(chain) > 0 {
		h, err := hopHash(chain[len(chain)-1])
		if err != nil {
			return nil, err
		}
		prevHash = h
	}
	hop := contracts.AttestationHop{
		NodeID:    nodeID,
		PrevHash:  prevHash,
		Timestamp: a.clock().UTC(),
	}
	payload, err := hopPayload(hop)
	if err != nil {
		return nil, err
	}
	hop.Signature = a.signer.Sign(payload)

	out := make([]contracts.AttestationHop, len(chain), len(chain)+1)
	copy(out, chain)
	return append(out, hop), nil
}

// Verify walks the chain: every hop's prev_hash must equal the hash of its
// predecessor and every signature must verify.
func (a *Attestor) Verify(chain []contracts.AttestationHop) error {
	prevHash := canonical.ZeroHash
	for i, hop := range chain {
		if hop.PrevHash != prevHash {
			return contracts.NewError(contracts.CodeSwarmAttestationInvalid,
				"hop %d prev_hash mismatch", i)
		}
		payload, err := hopPayload(hop)
		if err != nil {
			return err
		}
		if !a.signer.Verify(payload, hop.Signature) {
			return contracts.NewError(contracts.CodeSwarmAttestationInvalid,
				"hop %d signature invalid (node %s)", i, hop.NodeID)
		}
		h, err := hopHash(hop)
		if err != nil {
			return err
		}
		prevHash = h
	}
	return nil
}

// Depth reports the chain length, the delegation depth input of the
// liability firebreak.
func Depth(chain []contracts.AttestationHop) int {
	return len(chain)
}
