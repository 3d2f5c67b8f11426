// Package oauthrefresh keeps an OAuth2 client-credentials access token
// stored as a Provider Secret, refreshed before it expires. Grounded on the
// same Provider Secret shape secretcrypto/execution already use; this is
// the one provider-credential path where the value itself is not a static
// API key but a short-lived bearer token this codebase's prior integrations
// layer would have fetched through golang.org/x/oauth2's client-credentials
// grant.
package oauthrefresh

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/secretcrypto"
)

// ProviderConfig names one OAuth2 client-credentials provider secret to
// keep refreshed for a Repository.
type ProviderConfig struct {
	RepositoryID string
	Provider     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// SecretWriter is the store surface oauthrefresh needs (satisfied by
// store.Backend).
type SecretWriter interface {
	PutSecret(ctx context.Context, s model.ProviderSecret) error
}

// Refresher periodically fetches a fresh access token for each configured
// provider and stores it encrypted.
type Refresher struct {
	providers []ProviderConfig
	store     SecretWriter
	encryptor *secretcrypto.Cipher
	logger    *slog.Logger
}

func New(providers []ProviderConfig, store SecretWriter, encryptor *secretcrypto.Cipher, logger *slog.Logger) *Refresher {
	return &Refresher{providers: providers, store: store, encryptor: encryptor, logger: logger}
}

// RefreshAll fetches and stores a fresh token for every configured provider,
// logging (not failing) on a single provider's error so one bad credential
// doesn't block the rest.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, p := range r.providers {
		if err := r.refreshOne(ctx, p); err != nil {
			r.logger.Warn("oauth token refresh failed", "provider", p.Provider, "repository_id", p.RepositoryID, "error", err)
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, p ProviderConfig) error {
	cfg := clientcredentials.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		TokenURL:     p.TokenURL,
		Scopes:       p.Scopes,
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		return err
	}

	value := []byte(token.AccessToken)
	if r.encryptor != nil {
		value, err = r.encryptor.Encrypt(value)
		if err != nil {
			return err
		}
	}

	return r.store.PutSecret(ctx, model.ProviderSecret{
		RepositoryID:   p.RepositoryID,
		Provider:       p.Provider,
		EncryptedValue: value,
		UpdatedAt:      time.Now().UTC(),
	})
}
