package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStore(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "artifacts")

		store, err := NewLocalStore(dir, "http://localhost:8000/files")
		if err != nil {
			t.Fatalf("NewLocalStore() error = %v", err)
		}
		if store.Dir() != dir {
			t.Errorf("Dir() = %v, want %v", store.Dir(), dir)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		store, err := NewLocalStore("", "")
		if err != nil {
			t.Fatalf("NewLocalStore() error = %v", err)
		}

		expected := filepath.Join(os.TempDir(), "comfyui-gateway")
		if store.Dir() != expected {
			t.Errorf("Dir() = %v, want %v", store.Dir(), expected)
		}
	})
}

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "http://localhost:8000/files/")
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	t.Run("writes file and returns public URL", func(t *testing.T) {
		url, err := store.Put(ctx, "p-1/out.png", bytes.NewReader([]byte("pixels")), "image/png")
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if url != "http://localhost:8000/files/p-1/out.png" {
			t.Errorf("url = %v", url)
		}

		content, err := os.ReadFile(filepath.Join(dir, "p-1", "out.png"))
		if err != nil {
			t.Fatalf("failed to read stored file: %v", err)
		}
		if string(content) != "pixels" {
			t.Errorf("got %q, want %q", content, "pixels")
		}
	})

	t.Run("overwrites existing key", func(t *testing.T) {
		if _, err := store.Put(ctx, "p-2/a.png", bytes.NewReader([]byte("one")), ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if _, err := store.Put(ctx, "p-2/a.png", bytes.NewReader([]byte("two")), ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		content, _ := os.ReadFile(filepath.Join(dir, "p-2", "a.png"))
		if string(content) != "two" {
			t.Errorf("got %q, want %q", content, "two")
		}
	})

	t.Run("rejects keys escaping the root", func(t *testing.T) {
		for _, key := range []string{"", "/", "../secret", "a/../../b", ".."} {
			_, err := store.Put(ctx, key, bytes.NewReader(nil), "")
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
			}
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.Put(ctx, "p-3/x.png", bytes.NewReader([]byte("data")), "")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"p-1/out.png", "p-1/out.png"},
		{"/p-1//out.png", "p-1/out.png"},
		{`p-1\video\clip.mp4`, "p-1/video/clip.mp4"},
		{"p-1/./a/../b.png", "p-1/b.png"},
	}
	for _, tt := range tests {
		got, err := cleanKey(tt.in)
		if err != nil {
			t.Errorf("cleanKey(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("cleanKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
