// Package dct mints, attenuates, and verifies delegation capability tokens.
// A token is a signed, time-bound scope grant for a child session; derived
// tokens may only narrow the parent's scope set.
package dct

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/canonical"
	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/crypto"
	"github.com/corral-run/corral/pkg/permission"
)

// Minter issues and verifies tokens with a process-configured signing secret.
type Minter struct {
	signer *crypto.SecretSigner
	clock  func() time.Time
}

// NewMinter derives the signing key from the node secret.
func NewMinter(nodeSecret []byte) (*Minter, error) {
	signer, err := crypto.NewSecretSigner(nodeSecret, "dct")
	if err != nil {
		return nil, fmt.Errorf("dct: %w", err)
	}
	return &Minter{signer: signer, clock: time.Now}, nil
}

// WithClock overrides time for deterministic tests.
func (m *Minter) WithClock(clock func() time.Time) *Minter {
	m.clock = clock
	return m
}

// signingPayload is the canonical subset covered by the signature.
type signingPayload struct {
	DCTID   string   `json:"dct_id"`
	ChildID string   `json:"child_id"`
	Scopes  []string `json:"scopes"`
}

func (m *Minter) sign(t contracts.DelegationCapabilityToken) (string, error) {
	raw, err := canonical.JSON(signingPayload{
		DCTID:   t.DCTID,
		ChildID: t.ChildSessionID,
		Scopes:  t.AllowedScopes,
	})
	if err != nil {
		return "", fmt.Errorf("dct: canonicalize: %w", err)
	}
	return m.signer.Sign(raw), nil
}

// Mint issues a root token granting scopes to a child session.
func (m *Minter) Mint(parentSessionID, childSessionID string, scopes []string, ttl time.Duration) (contracts.DelegationCapabilityToken, error) {
	if len(scopes) == 0 {
		return contracts.DelegationCapabilityToken{}, fmt.Errorf("dct: empty scope set")
	}
	for _, s := range scopes {
		if err := permission.ValidateGrantScope(s); err != nil {
			return contracts.DelegationCapabilityToken{}, fmt.Errorf("dct: %w", err)
		}
	}
	now := m.clock()
	t := contracts.DelegationCapabilityToken{
		DCTID:           uuid.New().String(),
		ParentSessionID: parentSessionID,
		ChildSessionID:  childSessionID,
		AllowedScopes:   append([]string(nil), scopes...),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	sig, err := m.sign(t)
	if err != nil {
		return contracts.DelegationCapabilityToken{}, err
	}
	t.Signature = sig
	return t, nil
}

// Attenuate derives a child token from a verified parent. Every requested
// scope must be covered by the parent's scope set, and the child's expiry is
// clamped to the parent's.
func (m *Minter) Attenuate(parent contracts.DelegationCapabilityToken, childSessionID string, scopes []string, ttl time.Duration) (contracts.DelegationCapabilityToken, error) {
	if err := m.Verify(parent); err != nil {
		return contracts.DelegationCapabilityToken{}, fmt.Errorf("dct: attenuate from invalid parent: %w", err)
	}
	if len(scopes) == 0 {
		return contracts.DelegationCapabilityToken{}, fmt.Errorf("dct: empty scope set")
	}
	for _, s := range scopes {
		if !coveredBy(parent.AllowedScopes, s) {
			return contracts.DelegationCapabilityToken{}, fmt.Errorf("dct: scope %s widens parent token", s)
		}
	}

	now := m.clock()
	expires := now.Add(ttl)
	if expires.After(parent.ExpiresAt) {
		expires = parent.ExpiresAt
	}
	t := contracts.DelegationCapabilityToken{
		DCTID:           uuid.New().String(),
		ParentSessionID: parent.ChildSessionID,
		ChildSessionID:  childSessionID,
		AllowedScopes:   append([]string(nil), scopes...),
		CreatedAt:       now,
		ExpiresAt:       expires,
	}
	sig, err := m.sign(t)
	if err != nil {
		return contracts.DelegationCapabilityToken{}, err
	}
	t.Signature = sig
	return t, nil
}

// Verify checks the signature and expiry.
func (m *Minter) Verify(t contracts.DelegationCapabilityToken) error {
	raw, err := canonical.JSON(signingPayload{
		DCTID:   t.DCTID,
		ChildID: t.ChildSessionID,
		Scopes:  t.AllowedScopes,
	})
	if err != nil {
		return fmt.Errorf("dct: canonicalize: %w", err)
	}
	if !m.signer.Verify(raw, t.Signature) {
		return fmt.Errorf("dct: signature mismatch for token %s", t.DCTID)
	}
	if !m.clock().Before(t.ExpiresAt) {
		return fmt.Errorf("dct: token %s expired at %s", t.DCTID, t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Apply verifies the token and installs it on the permission engine: the
// child session gets pre-granted scopes plus a boundary that denies anything
// outside them.
func (m *Minter) Apply(t contracts.DelegationCapabilityToken, engine *permission.Engine) error {
	if err := m.Verify(t); err != nil {
		return err
	}
	engine.SetDCTBoundary(t.ChildSessionID, t.AllowedScopes)
	return engine.PreGrant(t.ChildSessionID, t.AllowedScopes, "dct:"+t.DCTID)
}

func coveredBy(grants []string, scope string) bool {
	for _, g := range grants {
		if permission.ScopeMatchesGrant(g, scope) {
			return true
		}
	}
	return false
}
