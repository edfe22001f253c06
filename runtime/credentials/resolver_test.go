package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
)

type fakeStore struct {
	refs map[string]*domain.CredentialReference
}

func (f *fakeStore) GetCredentialReference(_ context.Context, _, _, credentialID string) (*domain.CredentialReference, error) {
	return f.refs[credentialID], nil
}

func TestResolver_Static(t *testing.T) {
	store := &fakeStore{refs: map[string]*domain.CredentialReference{
		"svc": {ID: "svc", Kind: domain.CredentialKindStatic, Headers: map[string]string{"X-Api-Key": "abc"}},
	}}
	r := New(store)
	headers, err := r.Resolve(context.Background(), "svc", Params{})
	require.NoError(t, err)
	require.Equal(t, "abc", headers["X-Api-Key"])
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("AGENTCORE_TEST_TOKEN", "secret-value")
	store := &fakeStore{refs: map[string]*domain.CredentialReference{
		"svc": {ID: "svc", Kind: domain.CredentialKindEnv, EnvVar: "AGENTCORE_TEST_TOKEN", HeaderName: "Authorization"},
	}}
	r := New(store)
	headers, err := r.Resolve(context.Background(), "svc", Params{})
	require.NoError(t, err)
	require.Equal(t, "secret-value", headers["Authorization"])
}

func TestResolver_Templated(t *testing.T) {
	store := &fakeStore{refs: map[string]*domain.CredentialReference{
		"svc": {
			ID: "svc", Kind: domain.CredentialKindTemplated,
			HeaderName: "X-Tenant", Template: "tenant-{{.tenantId}}",
		},
	}}
	r := New(store)
	headers, err := r.Resolve(context.Background(), "svc", Params{ResolvedContext: map[string]any{"tenantId": "t1"}})
	require.NoError(t, err)
	require.Equal(t, "tenant-t1", headers["X-Tenant"])
}

func TestResolver_MissingReturnsCredentialUnavailable(t *testing.T) {
	store := &fakeStore{refs: map[string]*domain.CredentialReference{}}
	r := New(store)
	_, err := r.Resolve(context.Background(), "missing", Params{})
	require.Error(t, err)
	require.True(t, errs.As(err, errs.KindCredentialUnavailable))
}
