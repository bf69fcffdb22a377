package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safetalk/chat-app/internal/store"
)

func TestKindForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", store.ContentImage},
		{"image/jpeg; charset=binary", store.ContentImage},
		{"video/mp4", store.ContentVideo},
		{"video/webm", store.ContentVideo},
		{"application/pdf", ""},
		{"text/plain", ""},
		{"", ""},
		{"not a mime", ""},
	}

	for _, tt := range tests {
		if got := KindForMIME(tt.mime); got != tt.want {
			t.Errorf("KindForMIME(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestDiskUploaderWritesFile(t *testing.T) {
	dir := t.TempDir()
	u := NewDiskUploader(dir, "/uploads/")

	url, err := u.Upload(context.Background(), "photo.PNG", "image/png", strings.NewReader("fakepng"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !strings.HasPrefix(url, "/uploads/") || !strings.HasSuffix(url, ".png") {
		t.Errorf("url = %q", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads/")))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "fakepng" {
		t.Errorf("file content = %q", data)
	}
}

func TestDiskUploaderRejectsUnsupportedType(t *testing.T) {
	u := NewDiskUploader(t.TempDir(), "/uploads")
	if _, err := u.Upload(context.Background(), "doc.pdf", "application/pdf", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for unsupported content type")
	}
}

func TestDiskUploaderStripsHostileExtension(t *testing.T) {
	dir := t.TempDir()
	u := NewDiskUploader(dir, "/uploads")

	url, err := u.Upload(context.Background(), "../../etc/passwd", "image/png", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	name := strings.TrimPrefix(url, "/uploads/")
	if strings.ContainsAny(name, "/\\") {
		t.Errorf("generated name contains path separators: %q", name)
	}
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Errorf("uploaded file missing: %v", err)
	}
}
