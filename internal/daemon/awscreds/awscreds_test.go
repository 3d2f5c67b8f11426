package awscreds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	internallog "github.com/agentsdashboard/engine/internal/log"
)

type fakeStore struct {
	secrets []model.ProviderSecret
}

func (f *fakeStore) PutSecret(ctx context.Context, s model.ProviderSecret) error {
	f.secrets = append(f.secrets, s)
	return nil
}

func TestRefreshAllSkipsRoleItCannotAssume(t *testing.T) {
	store := &fakeStore{}
	r := New([]RoleConfig{{
		RepositoryID: "repo-1",
		Provider:     "bedrock",
		RoleARN:      "arn:aws:iam::000000000000:role/does-not-exist",
		Region:       "us-east-1",
	}}, store, nil, internallog.New(internallog.FromEnv()))

	// No AWS credentials are configured in the test environment, so the
	// assume-role call fails; RefreshAll must swallow that error rather
	// than panic, and must not store a partial secret.
	r.RefreshAll(context.Background())

	require.Empty(t, store.secrets)
}

func TestRefreshAllNoRolesIsANoop(t *testing.T) {
	store := &fakeStore{}
	r := New(nil, store, nil, internallog.New(internallog.FromEnv()))
	r.RefreshAll(context.Background())
	require.Empty(t, store.secrets)
}
