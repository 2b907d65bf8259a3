// Package auth provides the token issuance and validation capability used
// by control sessions and the operator API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zackees/agentfleet/internal/clock"
	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/store"
)

const (
	// TokenPrefix marks cluster-issued tokens so they are recognisable in
	// logs without revealing the random part.
	TokenPrefix   = "ctk_"
	tokenRawBytes = 32
)

// ErrInvalidToken covers unknown and expired tokens alike; callers get no
// further detail.
var ErrInvalidToken = errors.New("invalid or expired token")

// SessionStore is the subset of store.Store the issuer needs.
type SessionStore interface {
	CreateSession(ctx context.Context, s *cluster.Session) error
	GetSessionByToken(ctx context.Context, token string) (*cluster.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Issuer mints and validates opaque session tokens backed by the store.
type Issuer struct {
	store SessionStore
	clk   clock.Clock
	ttl   time.Duration
}

// NewIssuer creates an Issuer. Tokens expire after ttl.
func NewIssuer(st SessionStore, clk clock.Clock, ttl time.Duration) *Issuer {
	return &Issuer{store: st, clk: clk, ttl: ttl}
}

// IssueToken creates a session for the given operator and returns the
// plaintext token. The token is only ever returned here.
func (i *Issuer) IssueToken(ctx context.Context, operatorID string, typ cluster.SessionType, scopes []string) (string, error) {
	raw := make([]byte, tokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	sess := &cluster.Session{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		Type:       typ,
		Token:      token,
		ExpiresAt:  i.clk.Now().UTC().Add(i.ttl),
		Scopes:     scopes,
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	return token, nil
}

// ValidateToken resolves a token to its session, rejecting expired ones.
func (i *Issuer) ValidateToken(ctx context.Context, token string) (*cluster.Session, error) {
	if token == "" || !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrInvalidToken
	}
	sess, err := i.store.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if i.clk.Now().UTC().After(sess.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return sess, nil
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
