package cloneurl_test

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/bisect-dispatcher/internal/jobs/cloneurl"
)

func TestDevProviderBuildsGitHubURL(t *testing.T) {
	p := cloneurl.DevProvider{}
	url, err := p.CloneURLFor(context.Background(), "acme", "widgets", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://github.com/acme/widgets.git" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestDevProviderHonorsCustomBaseURL(t *testing.T) {
	p := cloneurl.DevProvider{BaseURL: "https://git.internal"}
	url, err := p.CloneURLFor(context.Background(), "acme", "widgets", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://git.internal/acme/widgets.git" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestDevProviderRejectsMissingRepo(t *testing.T) {
	p := cloneurl.DevProvider{}
	_, err := p.CloneURLFor(context.Background(), "acme", "", 1)
	if !errors.Is(err, cloneurl.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
