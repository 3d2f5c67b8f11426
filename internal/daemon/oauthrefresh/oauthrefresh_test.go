package oauthrefresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/secretcrypto"
	internallog "github.com/agentsdashboard/engine/internal/log"
)

type fakeStore struct {
	secrets []model.ProviderSecret
}

func (f *fakeStore) PutSecret(ctx context.Context, s model.ProviderSecret) error {
	f.secrets = append(f.secrets, s)
	return nil
}

func tokenServer(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
}

func TestRefreshAllStoresEncryptedToken(t *testing.T) {
	srv := tokenServer(t, "fresh-access-token")
	defer srv.Close()

	cipher, err := secretcrypto.New([]byte("01234567890123456789012345678901"))
	require.NoError(t, err)

	store := &fakeStore{}
	r := New([]ProviderConfig{{
		RepositoryID: "repo-1",
		Provider:     "bedrock",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     srv.URL,
	}}, store, cipher, internallog.New(internallog.FromEnv()))

	r.RefreshAll(context.Background())

	require.Len(t, store.secrets, 1)
	got := store.secrets[0]
	require.Equal(t, "repo-1", got.RepositoryID)
	require.Equal(t, "bedrock", got.Provider)

	plaintext, err := cipher.Decrypt(got.EncryptedValue)
	require.NoError(t, err)
	require.Equal(t, "fresh-access-token", string(plaintext))
}

func TestRefreshAllSkipsFailingProviderAndContinues(t *testing.T) {
	srv := tokenServer(t, "ok-token")
	defer srv.Close()

	store := &fakeStore{}
	r := New([]ProviderConfig{
		{RepositoryID: "repo-bad", Provider: "broken", TokenURL: "http://127.0.0.1:0"},
		{RepositoryID: "repo-good", Provider: "bedrock", TokenURL: srv.URL},
	}, store, nil, internallog.New(internallog.FromEnv()))

	r.RefreshAll(context.Background())

	require.Len(t, store.secrets, 1)
	require.Equal(t, "repo-good", store.secrets[0].RepositoryID)
	require.Equal(t, "ok-token", string(store.secrets[0].EncryptedValue))
}
