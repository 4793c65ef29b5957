package driven

import (
	"context"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
)

// CredentialStore defines the driven port for credential persistence. It is
// pure storage: no validation, no expiry checks. The adapter layer is
// responsible for encryption; this interface operates on plaintext values.
type CredentialStore interface {
	// Get returns the stored credential of the given kind, or (nil, nil) if
	// none is stored. Returns ErrEncryptionKeyNotSet if the adapter was
	// constructed without an encryption key.
	Get(ctx context.Context, kind model.CredentialKind) (*model.Credential, error)

	// Set stores or replaces the credential under cred.Kind.
	Set(ctx context.Context, cred model.Credential) error

	// Clear removes the credential of the given kind. Clearing an absent
	// kind is not an error.
	Clear(ctx context.Context, kind model.CredentialKind) error

	// ClearAll removes every stored credential.
	ClearAll(ctx context.Context) error
}

// CredentialResolver selects the single active credential.
type CredentialResolver interface {
	// ResolveActiveCredential returns the highest-precedence active
	// credential, or (nil, nil) when none is usable.
	ResolveActiveCredential(ctx context.Context) (*model.Credential, error)
}
