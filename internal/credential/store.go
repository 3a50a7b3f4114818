// Package credential issues, validates, rotates and revokes API keys.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/audit"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/platform"
	"github.com/edvin/iotgate/internal/tier"
)

// ErrNotFound is returned by repositories when no key matches.
var ErrNotFound = errors.New("api key not found")

// Repository persists API keys.
type Repository interface {
	// InsertWithinQuota inserts key unless the account already has maxActive
	// active keys. It reports whether the key was inserted.
	InsertWithinQuota(ctx context.Context, key *model.APIKey, maxActive int) (bool, error)
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	ListByAccount(ctx context.Context, accountID string, limit int, cursor string) ([]model.APIKey, bool, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Deactivate(ctx context.Context, id string) error
	// ReplaceHash swaps the stored hash of an active key. It reports whether
	// a row was updated.
	ReplaceHash(ctx context.Context, id, hash, prefix string, at time.Time) (bool, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// TierResolver resolves the tier for an account.
type TierResolver interface {
	Resolve(ctx context.Context, accountID string) tier.Tier
}

// IssueParams holds the inputs for Issue.
type IssueParams struct {
	AccountID string
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
	// Actor identifies who asked for the key, for the audit trail.
	Actor string
}

// Store is the credential store.
type Store struct {
	repo   Repository
	hasher *Hasher
	tiers  TierResolver
	audit  audit.Recorder
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a Store.
func NewStore(repo Repository, hasher *Hasher, tiers TierResolver, rec audit.Recorder, logger zerolog.Logger) *Store {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Store{
		repo:   repo,
		hasher: hasher,
		tiers:  tiers,
		audit:  rec,
		logger: logger,
		now:    time.Now,
	}
}

// Issue creates a key for an account and returns it with its plaintext
// secret. The secret is not retrievable afterwards. Requested scopes the tier
// does not allow are dropped.
func (s *Store) Issue(ctx context.Context, p IssueParams) (*model.APIKey, string, error) {
	now := s.now()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, "", apperr.New(apperr.InvalidExpiry, "expires_at is in the past")
	}

	t := s.tiers.Resolve(ctx, p.AccountID)
	if t.MaxKeys <= 0 {
		return nil, "", apperr.Newf(apperr.TierForbidden, "the %s tier does not include API keys", t.Name)
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "could not generate API key", err)
	}

	key := &model.APIKey{
		ID:        platform.NewID(),
		AccountID: p.AccountID,
		Name:      p.Name,
		KeyHash:   s.hasher.Hash(secret),
		KeyPrefix: DisplayPrefix(secret),
		Scopes:    t.FilterScopes(p.Scopes),
		Tier:      t.Name,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: p.ExpiresAt,
	}

	inserted, err := s.repo.InsertWithinQuota(ctx, key, t.MaxKeys)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.StorageUnavailable, "could not store API key", err)
	}
	if !inserted {
		return nil, "", apperr.Newf(apperr.QuotaExceeded,
			"the %s tier allows at most %d active API keys", t.Name, t.MaxKeys).
			WithDetails(map[string]any{"max_keys": t.MaxKeys})
	}

	s.audit.Record(model.AuditEntry{
		AccountID:    key.AccountID,
		Actor:        p.Actor,
		Action:       "api_key.issue",
		ResourceType: "api_key",
		ResourceID:   key.ID,
		Metadata:     map[string]any{"name": key.Name, "scopes": key.Scopes, "tier": key.Tier},
		At:           now,
	})

	return key, secret, nil
}

// Validate returns the active key matching secret, or nil when there is none.
// A matched key past its expiry is deactivated and nil is returned. Storage
// failures are returned as errors so callers can fail closed.
func (s *Store) Validate(ctx context.Context, secret string) (*model.APIKey, error) {
	hash := s.hasher.Hash(secret)

	key, err := s.repo.GetByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "could not look up API key", err)
	}
	if !key.Active || !Equal(key.KeyHash, hash) {
		return nil, nil
	}

	now := s.now()
	if key.Expired(now) {
		if err := s.repo.Deactivate(ctx, key.ID); err != nil {
			s.logger.Warn().Err(err).Str("api_key_id", key.ID).Msg("failed to deactivate expired api key")
		}
		return nil, nil
	}

	if err := s.repo.TouchLastUsed(ctx, key.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("api_key_id", key.ID).Msg("failed to update api key last_used_at")
	} else {
		key.LastUsedAt = &now
	}
	return key, nil
}

// Rotate replaces the secret of an account's key. The old secret stops
// working immediately. Name, scopes and tier are kept.
func (s *Store) Rotate(ctx context.Context, accountID, keyID, actor string) (*model.APIKey, string, error) {
	key, err := s.owned(ctx, accountID, keyID)
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	if !key.Active || key.Expired(now) {
		return nil, "", apperr.Newf(apperr.NotFound, "api key %s is not active", keyID)
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "could not generate API key", err)
	}
	hash := s.hasher.Hash(secret)
	prefix := DisplayPrefix(secret)

	updated, err := s.repo.ReplaceHash(ctx, key.ID, hash, prefix, now)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.StorageUnavailable, "could not rotate API key", err)
	}
	if !updated {
		return nil, "", apperr.Newf(apperr.NotFound, "api key %s is not active", keyID)
	}

	key.KeyHash = hash
	key.KeyPrefix = prefix
	key.RotatedAt = &now

	s.audit.Record(model.AuditEntry{
		AccountID:    accountID,
		Actor:        actor,
		Action:       "api_key.rotate",
		ResourceType: "api_key",
		ResourceID:   key.ID,
		At:           now,
	})
	return key, secret, nil
}

// Revoke deactivates an account's key. Revoking a revoked key succeeds.
func (s *Store) Revoke(ctx context.Context, accountID, keyID, actor string) error {
	key, err := s.owned(ctx, accountID, keyID)
	if err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return nil
	}

	now := s.now()
	if err := s.repo.Revoke(ctx, key.ID, now); err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "could not revoke API key", err)
	}

	s.audit.Record(model.AuditEntry{
		AccountID:    accountID,
		Actor:        actor,
		Action:       "api_key.revoke",
		ResourceType: "api_key",
		ResourceID:   key.ID,
		At:           now,
	})
	return nil
}

// Get returns one of an account's keys.
func (s *Store) Get(ctx context.Context, accountID, keyID string) (*model.APIKey, error) {
	return s.owned(ctx, accountID, keyID)
}

// List returns an account's keys with cursor pagination.
func (s *Store) List(ctx context.Context, accountID string, limit int, cursor string) ([]model.APIKey, bool, error) {
	keys, hasMore, err := s.repo.ListByAccount(ctx, accountID, limit, cursor)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.StorageUnavailable, "could not list API keys", err)
	}
	return keys, hasMore, nil
}

func (s *Store) owned(ctx context.Context, accountID, keyID string) (*model.APIKey, error) {
	key, err := s.repo.GetByID(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "api key %s not found", keyID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "could not look up API key", err)
	}
	if key.AccountID != accountID {
		return nil, apperr.Newf(apperr.Forbidden, "api key %s belongs to another account", keyID)
	}
	return key, nil
}
