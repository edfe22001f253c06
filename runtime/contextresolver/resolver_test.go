package contextresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
)

type fakeConfigStore struct {
	cfg *domain.ContextConfig
}

func (f *fakeConfigStore) GetContextConfigByID(_ context.Context, _, _, _ string) (*domain.ContextConfig, error) {
	return f.cfg, nil
}

func TestResolver_ConstantAndDerived(t *testing.T) {
	store := &fakeConfigStore{cfg: &domain.ContextConfig{
		ID: "cfg1",
		Definitions: []domain.ContextDefinition{
			{Name: "tenantId", Kind: domain.ContextKindConstant, Value: "t1"},
			{Name: "greeting", Kind: domain.ContextKindDerived, Template: "hello {{.tenantId}}"},
		},
	}}
	r := New(store, nil, nil)
	resolved, err := r.Resolve(context.Background(), "t1", "p1", "conv1", "cfg1", Options{})
	require.NoError(t, err)
	require.Equal(t, "t1", resolved["tenantId"])
	require.Equal(t, "hello t1", resolved["greeting"])
	require.Contains(t, resolved, "$env")
}

func TestResolver_CachesByConversationAndConfig(t *testing.T) {
	calls := 0
	store := &countingStore{cfg: &domain.ContextConfig{
		ID: "cfg1",
		Definitions: []domain.ContextDefinition{
			{Name: "x", Kind: domain.ContextKindConstant, Value: 1},
		},
	}, calls: &calls}
	r := New(store, nil, nil)
	ctx := context.Background()
	_, err := r.Resolve(ctx, "t1", "p1", "conv1", "cfg1", Options{})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "t1", "p1", "conv1", "cfg1", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	r.Invalidate(ctx, "conv1", "cfg1", EventInvocation)
	_, err = r.Resolve(ctx, "t1", "p1", "conv1", "cfg1", Options{})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

type countingStore struct {
	cfg   *domain.ContextConfig
	calls *int
}

func (c *countingStore) GetContextConfigByID(_ context.Context, _, _, _ string) (*domain.ContextConfig, error) {
	*c.calls++
	return c.cfg, nil
}

func TestResolver_StrictModeFailsOnUnresolvedHeader(t *testing.T) {
	store := &fakeConfigStore{cfg: &domain.ContextConfig{
		ID: "cfg1",
		Definitions: []domain.ContextDefinition{
			{Name: "auth", Kind: domain.ContextKindHeader, HeaderName: "Authorization"},
		},
	}}
	r := New(store, nil, nil)
	_, err := r.Resolve(context.Background(), "t1", "p1", "conv1", "cfg1", Options{Strict: true})
	require.Error(t, err)
}

func TestResolver_NonStrictToleratesUnresolved(t *testing.T) {
	store := &fakeConfigStore{cfg: &domain.ContextConfig{
		ID: "cfg1",
		Definitions: []domain.ContextDefinition{
			{Name: "auth", Kind: domain.ContextKindHeader, HeaderName: "Authorization"},
		},
	}}
	r := New(store, nil, nil)
	resolved, err := r.Resolve(context.Background(), "t1", "p1", "conv1", "cfg1", Options{})
	require.NoError(t, err)
	require.NotContains(t, resolved, "auth")
}
