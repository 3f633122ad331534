// Package proposal implements stateless approval hand-off: a pending join is
// encoded as a signed token that travels to the approvers and back, so the
// service keeps no pending-request state.
package proposal

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// DefaultTTL is how long a proposal token stays valid.
const DefaultTTL = time.Hour

// clockSkewLeeway tolerates clock drift between the signer and verifier.
const clockSkewLeeway = 60 * time.Second

// Proposal is a pending join awaiting approval.
type Proposal struct {
	// ID is the token's unique identifier, used by the replay ledger.
	ID string

	Group      principal.JitGroupID
	User       principal.EndUserID
	Recipients []principal.EndUserID
	Inputs     map[string]string

	// Expiry is when the proposal token lapses, not the requested
	// membership duration. That duration travels in Inputs.
	Expiry time.Time
}

// CanApprove reports whether a user is in the proposal's audience.
func (p *Proposal) CanApprove(user principal.EndUserID) bool {
	for _, r := range p.Recipients {
		if r == user {
			return true
		}
	}
	return false
}

type proposalClaims struct {
	jwt.RegisteredClaims

	Group      string            `json:"grp"`
	User       string            `json:"usr"`
	Recipients []string          `json:"rcp"`
	Inputs     map[string]string `json:"inp,omitempty"`
}

// TokenSigner mints and verifies proposal tokens.
//
// The service signs for itself: issuer and audience are both the service's
// own identity, so tokens minted by one deployment cannot be replayed
// against another.
type TokenSigner struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	identity  string
	ttl       time.Duration
}

// NewTokenSigner creates a signer. identity is the service's own identity
// (typically its service account email); keyID goes into the token header so
// verification survives key rotation.
func NewTokenSigner(method jwt.SigningMethod, signKey, verifyKey any, keyID, identity string, ttl time.Duration) (*TokenSigner, error) {
	if method == nil || signKey == nil || verifyKey == nil {
		return nil, fmt.Errorf("proposal signer requires a method and keys")
	}
	if identity == "" {
		return nil, fmt.Errorf("proposal signer requires a service identity")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenSigner{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		keyID:     keyID,
		identity:  identity,
		ttl:       ttl,
	}, nil
}

// Sign mints a token for the proposal. The proposal's ID and Expiry fields
// are ignored on input; the returned proposal carries the minted values.
func (s *TokenSigner) Sign(p *Proposal, now time.Time) (string, *Proposal, error) {
	if len(p.Recipients) == 0 {
		return "", nil, fmt.Errorf("proposal has no recipients: %w", fault.ErrIllegalArgument)
	}

	recipients := make([]string, len(p.Recipients))
	for i, r := range p.Recipients {
		recipients[i] = r.Value()
	}
	sort.Strings(recipients)

	now = now.UTC()
	expiry := now.Add(s.ttl)
	claims := proposalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.identity,
			Audience:  jwt.ClaimStrings{s.identity},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Group:      p.Group.Value(),
		User:       p.User.Value(),
		Recipients: recipients,
		Inputs:     p.Inputs,
	}

	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign proposal: %w", err)
	}

	minted := *p
	minted.ID = claims.ID
	minted.Expiry = expiry
	sort.Slice(minted.Recipients, func(i, j int) bool { return minted.Recipients[i] < minted.Recipients[j] })
	return signed, &minted, nil
}

// Verify checks a token's signature, issuer, audience, and expiry, and
// decodes the proposal.
func (s *TokenSigner) Verify(tokenString string) (*Proposal, error) {
	var claims proposalClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != s.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			if s.keyID != "" {
				if kid, _ := t.Header["kid"].(string); kid != s.keyID {
					return nil, fmt.Errorf("unknown key id %q", kid)
				}
			}
			return s.verifyKey, nil
		},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.identity),
		jwt.WithAudience(s.identity),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkewLeeway),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid proposal token: %w", err)
	}

	group, err := principal.ParseJitGroupID(claims.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid proposal token: %w", err)
	}
	if claims.User == "" || claims.ID == "" {
		return nil, fmt.Errorf("invalid proposal token: missing claims")
	}

	recipients := make([]principal.EndUserID, len(claims.Recipients))
	for i, r := range claims.Recipients {
		recipients[i] = principal.NewEndUserID(r)
	}

	return &Proposal{
		ID:         claims.ID,
		Group:      group,
		User:       principal.NewEndUserID(claims.User),
		Recipients: recipients,
		Inputs:     claims.Inputs,
		Expiry:     claims.ExpiresAt.Time,
	}, nil
}
