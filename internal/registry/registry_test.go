package registry

import (
	"context"
	"testing"
)

func TestOpenIsIdempotentByRepoPath(t *testing.T) {
	r := New(nil)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	repo := t.TempDir()
	data := t.TempDir()

	p1, err := r.Open(context.Background(), OpenConfig{RepoPath: repo, DataDir: data})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p2, err := r.Open(context.Background(), OpenConfig{RepoPath: repo, DataDir: data})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if p1.ID != p2.ID {
		t.Fatalf("expected the same project id on re-open, got %s and %s", p1.ID, p2.ID)
	}

	got, err := r.Get(p1.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != p1 {
		t.Fatalf("get returned a different handle than open")
	}
}

func TestGetUnknownProjectIsNotFound(t *testing.T) {
	r := New(nil)
	if _, err := r.Get("does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unknown project id")
	}
}

func TestShutdownClosesProjectAndClearsRegistry(t *testing.T) {
	r := New(nil)
	repo := t.TempDir()

	p, err := r.Open(context.Background(), OpenConfig{RepoPath: repo})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := r.Get(p.ID); err == nil {
		t.Fatalf("expected project to be gone from the registry after shutdown")
	}
}
