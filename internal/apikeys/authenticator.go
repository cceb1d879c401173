package apikeys

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/models"
)

// ErrUnauthenticated is the single externally visible authentication failure.
// Malformed headers, unknown prefixes, revoked or expired keys and wrong secrets all map to it.
var ErrUnauthenticated = errors.New("invalid or revoked API key")

// Tenant is the context yielded by a successful authentication.
type Tenant struct {
	OrganizationID int64
	KeyID          int64
	Prefix         string
}

// KeyLookup resolves a key by its public prefix.
type KeyLookup interface {
	GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
}

// UsageRecorder is optionally implemented by a KeyLookup to track last use.
type UsageRecorder interface {
	TouchLastUsed(ctx context.Context, keyID int64, at time.Time) error
}

// Authenticator verifies raw API key headers against stored keys.
type Authenticator struct {
	keys      KeyLookup
	creds     *Credentials
	dummyHash string
	now       func() time.Time
	logger    *zap.Logger
}

// NewAuthenticator creates an Authenticator. It hashes a throwaway secret up front so that lookups
// for unknown prefixes spend the same bcrypt work as real ones.
func NewAuthenticator(keys KeyLookup, creds *Credentials, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dummy, err := creds.Issue()
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		keys:      keys,
		creds:     creds,
		dummyHash: dummy.SecretHash,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Authenticate parses header, looks up its prefix and verifies the secret.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Tenant, error) {
	prefix, secret, err := Parse(header)
	if err != nil {
		return Tenant{}, ErrUnauthenticated
	}

	key, err := a.keys.GetByPrefix(ctx, prefix)
	if err != nil || key == nil {
		if err != nil && !isNotFound(err) {
			a.logger.Warn("api key lookup failed", zap.String("prefix", prefix), zap.Error(err))
		}
		a.creds.Verify(secret, a.dummyHash)
		return Tenant{}, ErrUnauthenticated
	}

	ok := a.creds.Verify(secret, key.SecretHash)
	if !ok || !key.Usable(a.now()) {
		return Tenant{}, ErrUnauthenticated
	}

	a.recordUse(key.ID)
	return Tenant{OrganizationID: key.OrganizationID, KeyID: key.ID, Prefix: key.Prefix}, nil
}

func (a *Authenticator) recordUse(keyID int64) {
	rec, ok := a.keys.(UsageRecorder)
	if !ok {
		return
	}
	at := a.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.TouchLastUsed(ctx, keyID, at); err != nil {
			a.logger.Debug("record api key use", zap.Int64("key_id", keyID), zap.Error(err))
		}
	}()
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
