// Package auth identifies callers by API key and throttles them with a
// shared token bucket. Only SHA-256 hashes of key material are ever stored,
// compared or logged; buckets live in Redis so every replica draws from the
// same allowance.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/store"
)

// KeyStore resolves credentials by key hash.
type KeyStore interface {
	GetAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error)
}

// HashKey returns the hex SHA-256 of plaintext key material. The same
// function provisions api_keys rows and authenticates requests.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Authenticator resolves X-API-Key values to client identities.
type Authenticator struct {
	keys  KeyStore
	clock clock.Clock
	log   zerolog.Logger
}

// NewAuthenticator builds an authenticator over the given credential store.
func NewAuthenticator(keys KeyStore, clk clock.Clock, logger zerolog.Logger) *Authenticator {
	if clk == nil {
		clk = clock.System()
	}
	return &Authenticator{
		keys:  keys,
		clock: clk,
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate maps a raw API key to its credential. Missing, unknown and
// expired keys all come back UNAUTHORIZED; a credential store outage is an
// internal failure, not a verdict on the caller.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (domain.APIKey, error) {
	if strings.TrimSpace(rawKey) == "" {
		return domain.APIKey{}, domain.E(domain.CodeUnauthorized, "missing API key")
	}

	key, err := a.keys.GetAPIKey(ctx, HashKey(rawKey))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.APIKey{}, domain.E(domain.CodeUnauthorized, "unknown API key")
	case err != nil:
		return domain.APIKey{}, domain.E(domain.CodeInternalError,
			"credential lookup failed").WithCause(err)
	}

	if key.Expired(a.clock.Now()) {
		a.log.Debug().Str("client_id", key.ClientID).Msg("Rejected expired api key")
		return domain.APIKey{}, domain.E(domain.CodeUnauthorized, "API key expired")
	}
	return key, nil
}
