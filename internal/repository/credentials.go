package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
)

// CredentialRepository resolves API keys and sessions to an identity.
type CredentialRepository interface {
	LookupAPIKey(ctx context.Context, keyHash string) (entity.Identity, error)
	LookupSession(ctx context.Context, token string, now time.Time) (entity.Identity, error)
	CreateAPIKey(ctx context.Context, id entity.Identity, name, keyHash, keyPrefix string) (string, error)
	CreateSession(ctx context.Context, token string, id entity.Identity, expiresAt time.Time) error
}

type credentialRepo struct {
	db  *DB
	log *slog.Logger
}

func NewCredentialRepository(db *DB, log *slog.Logger) CredentialRepository {
	if log == nil {
		log = slog.Default()
	}
	return &credentialRepo{db: db, log: log}
}

func (r *credentialRepo) LookupAPIKey(ctx context.Context, keyHash string) (entity.Identity, error) {
	var id entity.Identity
	q := r.db.rebind(`SELECT organization_id, user_id FROM api_keys WHERE key_hash = ? AND is_active = TRUE`)
	err := r.db.SQL.QueryRowContext(ctx, q, keyHash).Scan(&id.OrganizationID, &id.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Identity{}, common.NewNotFoundError("api key not found")
	}
	if err != nil {
		return entity.Identity{}, common.WrapError(err, "lookup api key")
	}

	// usage accounting never fails the lookup
	uq := r.db.rebind(`UPDATE api_keys SET request_count = request_count + 1, last_used_at = ? WHERE key_hash = ?`)
	if _, err := r.db.SQL.ExecContext(ctx, uq, r.db.timeArg(time.Now()), keyHash); err != nil {
		r.log.Warn("api key usage update failed", "error", err)
	}
	return id, nil
}

func (r *credentialRepo) LookupSession(ctx context.Context, token string, now time.Time) (entity.Identity, error) {
	var (
		id  entity.Identity
		org sql.NullString
	)
	q := r.db.rebind(`SELECT user_id, active_organization_id FROM sessions WHERE token = ? AND expires_at > ?`)
	err := r.db.SQL.QueryRowContext(ctx, q, token, r.db.timeArg(now)).Scan(&id.UserID, &org)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Identity{}, common.NewNotFoundError("session not found")
	}
	if err != nil {
		return entity.Identity{}, common.WrapError(err, "lookup session")
	}
	if !org.Valid || org.String == "" {
		return entity.Identity{}, common.NewNotFoundError("session has no active organization")
	}
	id.OrganizationID = org.String
	return id, nil
}

func (r *credentialRepo) CreateAPIKey(ctx context.Context, id entity.Identity, name, keyHash, keyPrefix string) (string, error) {
	keyID := constants.NewID(constants.IDPrefixAPIKey)
	q := r.db.rebind(`INSERT INTO api_keys (id, organization_id, user_id, name, key_hash, key_prefix, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.SQL.ExecContext(ctx, q, keyID, id.OrganizationID, id.UserID, name, keyHash, keyPrefix, r.db.timeArg(time.Now())); err != nil {
		return "", common.WrapError(err, "insert api key")
	}
	return keyID, nil
}

func (r *credentialRepo) CreateSession(ctx context.Context, token string, id entity.Identity, expiresAt time.Time) error {
	q := r.db.rebind(`INSERT INTO sessions (token, user_id, active_organization_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := r.db.SQL.ExecContext(ctx, q, token, id.UserID, id.OrganizationID, r.db.timeArg(expiresAt), r.db.timeArg(time.Now())); err != nil {
		return common.WrapError(err, "insert session")
	}
	return nil
}
