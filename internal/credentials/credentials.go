// Package credentials mints, verifies and revokes the gateway's opaque
// bearer tokens. Token values never touch the store: records are keyed by a
// base58-encoded SHA256 fingerprint, so the store holds nothing replayable.
// A token ID index allows self-service revocation without the plaintext.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

// Token prefixes make leaked credentials greppable and let verification
// reject foreign tokens before any store round trip.
const (
	AccessTokenPrefix  = "tg_"
	RefreshTokenPrefix = "tgr_"

	tokenBytes = 32
)

// TTL bounds for issued tokens. Requests outside the bounds are clamped, not
// rejected.
const (
	DefaultAccessTokenTTL  = 30 * 24 * time.Hour
	MinAccessTokenTTL      = time.Minute
	MaxAccessTokenTTL      = 90 * 24 * time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenNotOwned = errors.New("token not owned by caller")
)

// Grant carries the identity and scope a token is minted for.
type Grant struct {
	UserID    string
	Login     string
	AgentName string
	Project   string
	ClientID  string
	Scope     string
	Note      string
}

// Service issues and verifies tokens against the key-value store.
type Service struct {
	store kv.Store
}

// NewService creates a credential service backed by the given store.
func NewService(store kv.Store) *Service {
	return &Service{store: store}
}

// IssueAccessToken mints an opaque access token for the grant, stores its
// record under the token fingerprint, and indexes the record by token ID for
// later revocation. The plaintext token is returned exactly once.
func (s *Service) IssueAccessToken(ctx context.Context, grant Grant, ttl time.Duration) (string, *models.AccessToken, error) {
	ttl = ClampTTL(ttl)

	token, err := mintToken(AccessTokenPrefix)
	if err != nil {
		return "", nil, err
	}

	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	record := &models.AccessToken{
		TokenID:     tokenID,
		Fingerprint: Fingerprint(token),
		UserID:      grant.UserID,
		Login:       grant.Login,
		AgentName:   grant.AgentName,
		Project:     grant.Project,
		ClientID:    grant.ClientID,
		Scope:       grant.Scope,
		Note:        grant.Note,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := s.putRecord(ctx, kv.NamespaceToken, record.Fingerprint, record, ttl); err != nil {
		return "", nil, err
	}

	if err := s.store.Put(ctx, kv.Key(kv.NamespaceTokenID, tokenID.String()), []byte(record.Fingerprint), ttl); err != nil {
		return "", nil, fmt.Errorf("failed to index token: %w", err)
	}

	log.Info().
		Str("token_id", tokenID.String()).
		Str("user_id", grant.UserID).
		Str("project", grant.Project).
		Time("expires_at", record.ExpiresAt).
		Msg("Issued access token")

	return token, record, nil
}

// IssueRefreshToken mints an opaque refresh token for the grant.
func (s *Service) IssueRefreshToken(ctx context.Context, grant Grant, ttl time.Duration) (string, *models.RefreshToken, error) {
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	token, err := mintToken(RefreshTokenPrefix)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	record := &models.RefreshToken{
		Fingerprint: Fingerprint(token),
		UserID:      grant.UserID,
		Login:       grant.Login,
		AgentName:   grant.AgentName,
		Project:     grant.Project,
		ClientID:    grant.ClientID,
		Scope:       grant.Scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := s.putRecord(ctx, kv.NamespaceRefresh, record.Fingerprint, record, ttl); err != nil {
		return "", nil, err
	}

	log.Info().
		Str("user_id", grant.UserID).
		Time("expires_at", record.ExpiresAt).
		Msg("Issued refresh token")

	return token, record, nil
}

// VerifyAccessToken resolves a presented token to its record. Unknown,
// malformed and expired tokens all come back ErrInvalidToken so callers leak
// nothing about which case occurred.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*models.AccessToken, error) {
	if !strings.HasPrefix(token, AccessTokenPrefix) {
		return nil, ErrInvalidToken
	}

	value, err := s.store.Get(ctx, kv.Key(kv.NamespaceToken, Fingerprint(token)))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	var record models.AccessToken
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}

	// The store enforces TTLs, but re-check so a lagging sweeper can never
	// extend a token's life.
	if record.IsExpired() {
		return nil, ErrInvalidToken
	}

	return &record, nil
}

// LookupRefreshToken resolves a presented refresh token to its record.
// Refresh tokens are not consumed on use.
func (s *Service) LookupRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if !strings.HasPrefix(token, RefreshTokenPrefix) {
		return nil, ErrInvalidToken
	}

	value, err := s.store.Get(ctx, kv.Key(kv.NamespaceRefresh, Fingerprint(token)))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	var record models.RefreshToken
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token record: %w", err)
	}

	if record.IsExpired() {
		return nil, ErrInvalidToken
	}

	return &record, nil
}

// Revoke deletes the access token with the given ID after checking the
// caller owns it. Revoking an already revoked or expired token succeeds, so
// revocation is idempotent.
func (s *Service) Revoke(ctx context.Context, userID string, tokenID uuid.UUID) error {
	indexKey := kv.Key(kv.NamespaceTokenID, tokenID.String())

	fingerprint, err := s.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up token ID: %w", err)
	}

	recordKey := kv.Key(kv.NamespaceToken, string(fingerprint))

	value, err := s.store.Get(ctx, recordKey)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return s.store.Delete(ctx, indexKey)
		}
		return fmt.Errorf("failed to load token record: %w", err)
	}

	var record models.AccessToken
	if err := json.Unmarshal(value, &record); err != nil {
		return fmt.Errorf("failed to decode token record: %w", err)
	}

	if record.UserID != userID {
		return ErrTokenNotOwned
	}

	if err := s.store.Delete(ctx, recordKey); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if err := s.store.Delete(ctx, indexKey); err != nil {
		return fmt.Errorf("failed to drop token index: %w", err)
	}

	log.Info().
		Str("token_id", tokenID.String()).
		Str("user_id", userID).
		Msg("Revoked access token")

	return nil
}

// Fingerprint returns the base58-encoded SHA256 of the token value.
func Fingerprint(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base58.Encode(hash[:])
}

// ClampTTL bounds a requested access token TTL, substituting the default for
// zero.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultAccessTokenTTL
	case ttl < MinAccessTokenTTL:
		return MinAccessTokenTTL
	case ttl > MaxAccessTokenTTL:
		return MaxAccessTokenTTL
	default:
		return ttl
	}
}

func (s *Service) putRecord(ctx context.Context, namespace, fingerprint string, record any, ttl time.Duration) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	if err := s.store.Put(ctx, kv.Key(namespace, fingerprint), value, ttl); err != nil {
		return fmt.Errorf("failed to store token record: %w", err)
	}

	return nil
}

func mintToken(prefix string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return prefix + base58.Encode(buf), nil
}
