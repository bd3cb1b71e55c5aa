package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidPhotoRef = errors.New("photo reference is not owned by this store or profile")

// LocalPhotoStore keeps avatars on disk and serves them under urlPrefix.
// Used in development when no bucket is configured.
type LocalPhotoStore struct {
	dir       string
	urlPrefix string
}

func NewLocalPhotoStore(dir, urlPrefix string) (*LocalPhotoStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &LocalPhotoStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/") + "/"}, nil
}

func (s *LocalPhotoStore) Upload(ctx context.Context, ownerID, filename, contentType string, r io.Reader) (string, error) {
	name := objectName(ownerID, filename, contentType)
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create avatar dir: %w", err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		os.Remove(path) // Clean up on error
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return s.urlPrefix + name, nil
}

// Delete removes ref only if it lives under ownerID's avatar folder.
func (s *LocalPhotoStore) Delete(ctx context.Context, ownerID, ref string) error {
	name, ok := strings.CutPrefix(ref, s.urlPrefix)
	if !ok || !ownedBy(name, ownerID) {
		return ErrInvalidPhotoRef
	}
	if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(name))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// objectName is avatars/<owner>/<uuid><ext>.
func objectName(ownerID, filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = extensionFor(contentType)
	}
	return "avatars/" + ownerID + "/" + uuid.New().String() + ext
}

// ownedBy reports whether name is a single file in ownerID's avatar folder.
func ownedBy(name, ownerID string) bool {
	if ownerID == "" || strings.Contains(ownerID, "/") || strings.Contains(name, "..") {
		return false
	}
	file, ok := strings.CutPrefix(name, "avatars/"+ownerID+"/")
	return ok && file != "" && !strings.Contains(file, "/")
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
