// Package media handles attachment uploads for image and video messages.
// The Uploader interface abstracts the storage backend; DiskUploader is the
// default implementation, writing files under a local directory served by
// the API's static file route.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/safetalk/chat-app/internal/store"
)

// MaxUploadBytes caps a single attachment at 25 MiB.
const MaxUploadBytes = 25 << 20

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (url string, err error)
}

// KindForMIME maps a MIME type to the message content type it produces.
// Returns an empty string for MIME types that are not accepted.
func KindForMIME(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return store.ContentImage
	case strings.HasPrefix(mt, "video/"):
		return store.ContentVideo
	default:
		return ""
	}
}

// DiskUploader writes attachments to a local directory. Files are named by a
// fresh UUID with the original extension; the returned URL joins BaseURL
// with the generated name.
type DiskUploader struct {
	Dir     string // destination directory, created on first upload
	BaseURL string // public URL prefix, e.g. "/uploads"
}

// NewDiskUploader creates a DiskUploader rooted at dir with the given public
// URL prefix.
func NewDiskUploader(dir, baseURL string) *DiskUploader {
	return &DiskUploader{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Upload writes the attachment to disk. The reader is capped at
// MaxUploadBytes; a larger body returns an error and the partial file is
// removed.
func (u *DiskUploader) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if KindForMIME(contentType) == "" {
		return "", fmt.Errorf("media: unsupported content type %q", contentType)
	}

	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", fmt.Errorf("media: create upload dir: %w", err)
	}

	name := uuid.New().String() + sanitizeExt(filename)
	path := filepath.Join(u.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("media: create file: %w", err)
	}
	defer f.Close()

	// Read one byte past the cap to distinguish "exactly at limit" from over.
	n, err := io.Copy(f, io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("media: write file: %w", err)
	}
	if n > MaxUploadBytes {
		os.Remove(path)
		return "", fmt.Errorf("media: attachment exceeds %d bytes", MaxUploadBytes)
	}

	return u.BaseURL + "/" + name, nil
}

// sanitizeExt returns the file extension of name if it is a plain extension,
// or empty otherwise. Keeps generated names predictable regardless of what
// the client sends.
func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
