package model

import (
	"log/slog"
	"time"
)

// CredentialKind discriminates the variants of Credential.
type CredentialKind string

const (
	CredentialAPIKey    CredentialKind = "api_key"
	CredentialOAuth     CredentialKind = "oauth"
	CredentialMagicLink CredentialKind = "magic_link"
)

// CredentialPrecedence lists credential kinds from highest to lowest precedence.
// The resolver walks this order and picks the first active credential.
var CredentialPrecedence = []CredentialKind{
	CredentialOAuth,
	CredentialMagicLink,
	CredentialAPIKey,
}

// Valid reports whether k is one of the known credential kinds.
func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialAPIKey, CredentialOAuth, CredentialMagicLink:
		return true
	default:
		return false
	}
}

// Credential is a tagged union over the three credential sources. Only the
// fields belonging to Kind are meaningful:
//
//   - CredentialAPIKey: Key, BaseURL. Never expires client-side.
//   - CredentialOAuth: AccessToken, Expiry, Authority. Expiry is authoritative.
//   - CredentialMagicLink: Token, Exp (seconds since epoch, 0 when the
//     payload carries no exp claim).
type Credential struct {
	Kind CredentialKind `json:"kind"`

	Key     string `json:"key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`

	AccessToken string    `json:"access_token,omitempty"`
	Expiry      time.Time `json:"expiry,omitzero"`
	Authority   string    `json:"authority,omitempty"`

	Token string `json:"token,omitempty"`
	Exp   int64  `json:"exp,omitempty"`
}

// APIKeyCredential builds an API key credential.
func APIKeyCredential(key, baseURL string) Credential {
	return Credential{Kind: CredentialAPIKey, Key: key, BaseURL: baseURL}
}

// OAuthCredential builds an OAuth session credential.
func OAuthCredential(accessToken string, expiry time.Time, authority string) Credential {
	return Credential{Kind: CredentialOAuth, AccessToken: accessToken, Expiry: expiry, Authority: authority}
}

// MagicLinkCredential builds a magic-link token credential.
func MagicLinkCredential(token string, exp int64) Credential {
	return Credential{Kind: CredentialMagicLink, Token: token, Exp: exp}
}

// Secret returns the bearer material of the credential: the API key, the
// OAuth access token, or the magic-link token.
func (c Credential) Secret() string {
	switch c.Kind {
	case CredentialAPIKey:
		return c.Key
	case CredentialOAuth:
		return c.AccessToken
	case CredentialMagicLink:
		return c.Token
	default:
		return ""
	}
}

// LogValue implements slog.LogValuer so credentials never leak secrets into logs.
func (c Credential) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(c.Kind))}
	switch c.Kind {
	case CredentialAPIKey:
		attrs = append(attrs, slog.String("base_url", c.BaseURL))
	case CredentialOAuth:
		attrs = append(attrs, slog.Time("expiry", c.Expiry), slog.String("authority", c.Authority))
	case CredentialMagicLink:
		attrs = append(attrs, slog.Int64("exp", c.Exp))
	}
	return slog.GroupValue(attrs...)
}
