// Package storage is the persistence handoff boundary: the pipeline hands a
// winning asset here and only confirms its budget reservation after Save
// reports success.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Asset is one generated output ready to be persisted.
type Asset struct {
	RequestID   uuid.UUID
	BatchID     uuid.UUID
	Category    string
	Kind        string
	ProviderID  string
	Content     []byte
	ContentType string
}

// Saver persists one asset and returns its durable URI. A nil error means the
// asset is durably stored; anything else and the caller must release, never
// confirm, the reservation.
type Saver interface {
	Save(ctx context.Context, asset Asset) (string, error)
}

// Ext maps a content type to a file extension.
func Ext(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

// LocalSaver writes assets under a directory tree, for development and tests.
// Files land at <dir>/<category>/<requestID><ext> via a temp-file rename so a
// partial write is never observed as success.
type LocalSaver struct {
	dir string
}

func NewLocalSaver(dir string) (*LocalSaver, error) {
	if dir == "" {
		return nil, fmt.Errorf("local saver: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local saver: create %s: %w", dir, err)
	}
	return &LocalSaver{dir: dir}, nil
}

func (l *LocalSaver) Save(ctx context.Context, asset Asset) (string, error) {
	if len(asset.Content) == 0 {
		return "", fmt.Errorf("local saver: empty content for request %s", asset.RequestID)
	}
	subdir := filepath.Join(l.dir, sanitize(asset.Category))
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("local saver: create %s: %w", subdir, err)
	}
	final := filepath.Join(subdir, asset.RequestID.String()+Ext(asset.ContentType))

	tmp, err := os.CreateTemp(subdir, ".asset-*")
	if err != nil {
		return "", fmt.Errorf("local saver: temp file: %w", err)
	}
	if _, err := tmp.Write(asset.Content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local saver: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local saver: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local saver: rename: %w", err)
	}
	return "file://" + final, nil
}

func sanitize(s string) string {
	if s == "" {
		return "uncategorized"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
