package creds

import (
	"fmt"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// Issuer mints time-limited TURN credentials from a shared secret,
// per the coturn REST credential convention: the username carries the
// expiry timestamp and the password is an HMAC over it, so the TURN
// server verifies credentials without any lookup.
type Issuer struct {
	secret string
	ttl    time.Duration
	uris   []string
	store  *GrantStore
	logger *zap.Logger
}

func NewIssuer(secret string, ttl time.Duration, uris []string, store *GrantStore, logger *zap.Logger) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("TURN shared secret must not be empty")
	}
	if len(uris) == 0 {
		return nil, fmt.Errorf("at least one TURN URI is required")
	}
	return &Issuer{
		secret: secret,
		ttl:    ttl,
		uris:   uris,
		store:  store,
		logger: logger.Named("issuer"),
	}, nil
}

// Issue mints one credential set. When a grant store is configured the
// grant is recorded for auditing; a recording failure does not block
// the caller's credentials.
func (i *Issuer) Issue() (credentialResponse, error) {
	username, password, err := turn.GenerateLongTermCredentials(i.secret, i.ttl)
	if err != nil {
		return credentialResponse{}, fmt.Errorf("generate TURN credentials: %w", err)
	}

	if i.store != nil {
		if err := i.store.Record(username, time.Now().Add(i.ttl)); err != nil {
			i.logger.Warn("failed to record credential grant", zap.Error(err))
		}
	}

	return credentialResponse{
		Username: username,
		Password: password,
		TTL:      int64(i.ttl.Seconds()),
		URIs:     i.uris,
	}, nil
}
