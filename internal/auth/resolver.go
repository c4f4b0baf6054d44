package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/repository"
)

// DefaultSessionCookie is the cookie carrying a browser session token.
const DefaultSessionCookie = "docparse.session_token"

// Credentials are whatever a caller presented; either may be empty.
type Credentials struct {
	BearerToken  string
	SessionToken string
}

// Empty reports whether nothing was presented.
func (c Credentials) Empty() bool {
	return c.BearerToken == "" && c.SessionToken == ""
}

// FromRequest reads the Authorization bearer token and the session cookie.
func FromRequest(r *http.Request, sessionCookie string) Credentials {
	if sessionCookie == "" {
		sessionCookie = DefaultSessionCookie
	}
	var c Credentials
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		c.BearerToken = strings.TrimSpace(h[7:])
	}
	if ck, err := r.Cookie(sessionCookie); err == nil {
		c.SessionToken = ck.Value
	}
	return c
}

// HashAPIKey is the stored form of an API key: lowercase hex sha256.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolver turns credentials into an identity: API key first, then session.
type Resolver struct {
	creds  repository.CredentialRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(creds repository.CredentialRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{creds: creds, logger: logger, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, c Credentials) (entity.Identity, error) {
	if c.Empty() {
		return entity.Identity{}, common.NewAuthError("no credentials", nil)
	}
	if c.BearerToken != "" {
		id, err := r.creds.LookupAPIKey(ctx, HashAPIKey(c.BearerToken))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Error("auth.api_key.lookup_failed", "error", err)
			return entity.Identity{}, err
		}
	}
	if c.SessionToken != "" {
		id, err := r.creds.LookupSession(ctx, c.SessionToken, r.now())
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Error("auth.session.lookup_failed", "error", err)
			return entity.Identity{}, err
		}
	}
	r.logger.Debug("auth.rejected", "has_bearer", c.BearerToken != "", "has_session", c.SessionToken != "")
	return entity.Identity{}, common.NewAuthError("invalid credentials", nil)
}
