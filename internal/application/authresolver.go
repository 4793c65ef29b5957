package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialResolver = (*AuthResolver)(nil)

// AuthResolverConfig tunes an AuthResolver. A nil Now uses time.Now.
type AuthResolverConfig struct {
	EvictStaleMagicLink bool
	Now                 func() time.Time
}

// AuthResolver selects the active credential from the store. Precedence is
// fixed by model.CredentialPrecedence and evaluated in one place.
//
// Magic-link expiry is read from the token payload without verifying the
// signature. It is a client-side hint, not a security boundary: the backend
// remains the authority on whether a token is accepted.
type AuthResolver struct {
	store  driven.CredentialStore
	evict  bool
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	unusable map[string]struct{} // magic-link tokens that failed to parse
}

// NewAuthResolver creates an AuthResolver reading from store.
func NewAuthResolver(store driven.CredentialStore, cfg AuthResolverConfig, logger *slog.Logger) *AuthResolver {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthResolver{
		store:    store,
		evict:    cfg.EvictStaleMagicLink,
		now:      now,
		logger:   logger,
		unusable: make(map[string]struct{}),
	}
}

// ResolveActiveCredential returns the highest-precedence active credential,
// or (nil, nil) when none is usable. Store read errors are returned as-is.
func (r *AuthResolver) ResolveActiveCredential(ctx context.Context) (*model.Credential, error) {
	now := r.now()

	for _, kind := range model.CredentialPrecedence {
		cred, err := r.store.Get(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("read %s credential: %w", kind, err)
		}
		if cred == nil {
			continue
		}

		switch kind {
		case model.CredentialOAuth:
			if cred.AccessToken != "" && now.Before(cred.Expiry) {
				return cred, nil
			}
		case model.CredentialMagicLink:
			if r.magicLinkActive(ctx, cred, now) {
				return cred, nil
			}
		case model.CredentialAPIKey:
			if cred.Key != "" && cred.BaseURL != "" {
				return cred, nil
			}
		}
	}
	return nil, nil
}

func (r *AuthResolver) magicLinkActive(ctx context.Context, cred *model.Credential, now time.Time) bool {
	if cred.Token == "" {
		return false
	}

	r.mu.Lock()
	_, bad := r.unusable[cred.Token]
	r.mu.Unlock()
	if bad {
		return false
	}

	exp, err := MagicLinkExpiry(cred.Token)
	if err != nil {
		r.mu.Lock()
		r.unusable[cred.Token] = struct{}{}
		r.mu.Unlock()
		r.logger.Warn("stored magic-link token is unparsable", "error", err)
		r.evictMagicLink(ctx)
		return false
	}

	if exp != 0 && !now.Before(time.Unix(exp, 0)) {
		r.evictMagicLink(ctx)
		return false
	}
	cred.Exp = exp
	return true
}

func (r *AuthResolver) evictMagicLink(ctx context.Context) {
	if !r.evict {
		return
	}
	if err := r.store.Clear(ctx, model.CredentialMagicLink); err != nil {
		r.logger.Warn("failed to evict stale magic-link token", "error", err)
		return
	}
	r.logger.Info("evicted stale magic-link token")
}

// MagicLinkExpiry decodes the token payload, the second dot-separated
// segment, and returns the exp claim in seconds since the epoch, or 0 when
// the claim is absent. The header and signature are not inspected. A payload
// that does not decode yields an error wrapping driven.ErrTokenInvalid.
func MagicLinkExpiry(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return 0, fmt.Errorf("%w: no payload segment", driven.ErrTokenInvalid)
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: decode payload: %v", driven.ErrTokenInvalid, err)
	}
	var claims jwt.RegisteredClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return 0, fmt.Errorf("%w: parse payload: %v", driven.ErrTokenInvalid, err)
	}
	if claims.ExpiresAt == nil {
		return 0, nil
	}
	return claims.ExpiresAt.Unix(), nil
}
