// Package credentials implements the CredentialResolver (C2): turning a
// named credential reference into HTTP headers for tool and agent calls.
package credentials

import (
	"bytes"
	"context"
	"os"
	"text/template"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/repository"
)

// ReferenceStore is the subset of repository.Repository the resolver needs,
// scoped narrowly so callers can stub it in tests without a full Repository.
type ReferenceStore interface {
	GetCredentialReference(ctx context.Context, tenantID, projectID, credentialID string) (*domain.CredentialReference, error)
}

var _ ReferenceStore = repository.Repository(nil)

// Resolver resolves credential references to request headers.
type Resolver struct {
	store ReferenceStore
}

// New constructs a Resolver backed by store.
func New(store ReferenceStore) *Resolver {
	return &Resolver{store: store}
}

// Params carries the ambient values a templated credential may reference:
// the already-resolved ContextResolver output for this conversation.
type Params struct {
	TenantID        string
	ProjectID       string
	ResolvedContext map[string]any
}

// Resolve produces the header map for credentialID. It returns
// errs.CredentialUnavailable when the reference is missing or its
// underlying lookup (env var, template render) fails.
func (r *Resolver) Resolve(ctx context.Context, credentialID string, params Params) (map[string]string, error) {
	ref, err := r.store.GetCredentialReference(ctx, params.TenantID, params.ProjectID, credentialID)
	if err != nil {
		return nil, errs.CredentialUnavailable("credential lookup failed: "+credentialID, err)
	}
	if ref == nil {
		return nil, errs.CredentialUnavailable("credential reference not found: "+credentialID, nil)
	}

	switch ref.Kind {
	case domain.CredentialKindStatic:
		return cloneHeaders(ref.Headers), nil

	case domain.CredentialKindEnv:
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return nil, errs.CredentialUnavailable("environment variable not set: "+ref.EnvVar, nil)
		}
		return map[string]string{ref.HeaderName: val}, nil

	case domain.CredentialKindTemplated:
		val, err := renderTemplate(ref.Template, params.ResolvedContext)
		if err != nil {
			return nil, errs.CredentialUnavailable("credential template render failed: "+credentialID, err)
		}
		return map[string]string{ref.HeaderName: val}, nil

	default:
		return nil, errs.CredentialUnavailable("unknown credential kind: "+string(ref.Kind), nil)
	}
}

func renderTemplate(body string, data map[string]any) (string, error) {
	tpl, err := template.New("credential").Option("missingkey=default").Parse(body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
