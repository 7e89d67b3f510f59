// Package cloneurl defines the contract for resolving a job's owner/repo
// and installation reference into an authenticated clone URL. Real
// credential exchange (GitHub App installation tokens, etc.) lives outside
// this module's scope; Provider is the seam an external collaborator
// plugs into.
package cloneurl

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoAccess means the installation exists but lacks access to the repo.
	ErrNoAccess = errors.New("cloneurl: no access to repository")
	// ErrNotFound means the owner/repo does not exist.
	ErrNotFound = errors.New("cloneurl: repository not found")
	// ErrAuthConfigInvalid means the installation's credentials are
	// malformed or revoked; retrying will not help without operator action.
	ErrAuthConfigInvalid = errors.New("cloneurl: auth configuration invalid")
	// ErrTransient means the resolution failed for a reason likely to
	// clear on retry (network blip, upstream rate limit).
	ErrTransient = errors.New("cloneurl: transient resolution failure")
)

// Provider resolves a clonable URL for a repository, scoped to a specific
// installation. Implementations must map their own failure modes onto the
// sentinel errors above so callers can decide whether to retry.
type Provider interface {
	CloneURLFor(ctx context.Context, owner, repo string, installationRef int64) (string, error)
}

// DevProvider is a stand-in implementation for local development and
// tests: it builds a plain https clone URL and never performs a real
// credential exchange. Production deployments wire in a real
// implementation backed by whatever installation/token store the
// surrounding platform uses.
type DevProvider struct {
	// BaseURL defaults to https://github.com when empty.
	BaseURL string
}

func (p DevProvider) CloneURLFor(_ context.Context, owner, repo string, _ int64) (string, error) {
	if owner == "" || repo == "" {
		return "", fmt.Errorf("%w: owner/repo required", ErrNotFound)
	}
	base := p.BaseURL
	if base == "" {
		base = "https://github.com"
	}
	return fmt.Sprintf("%s/%s/%s.git", base, owner, repo), nil
}
