package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// GCSPhotoStore keeps avatars in a Cloud Storage (Firebase Storage) bucket
// and hands out Firebase download URLs.
type GCSPhotoStore struct {
	client *storage.Client
	bucket string
}

// NewGCSPhotoStore uses credentialsJSON when given, Application Default
// Credentials otherwise.
func NewGCSPhotoStore(ctx context.Context, bucket, credentialsJSON string) (*GCSPhotoStore, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("photos: storage client: %w", err)
	}
	return &GCSPhotoStore{client: client, bucket: bucket}, nil
}

func (s *GCSPhotoStore) Close() error { return s.client.Close() }

func (s *GCSPhotoStore) Upload(ctx context.Context, ownerID, filename, contentType string, r io.Reader) (string, error) {
	name := objectName(ownerID, filename, contentType)
	token := uuid.New().String()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{
		"owner":                         ownerID,
		"firebaseStorageDownloadTokens": token,
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("photos: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("photos: finalize %s: %w", name, err)
	}
	return firebaseDownloadURL(s.bucket, name, token), nil
}

// Delete removes ref only if it names an object in ownerID's avatar folder.
func (s *GCSPhotoStore) Delete(ctx context.Context, ownerID, ref string) error {
	name, err := objectFromDownloadURL(s.bucket, ref)
	if err != nil {
		return err
	}
	if !ownedBy(name, ownerID) {
		return ErrInvalidPhotoRef
	}
	err = s.client.Bucket(s.bucket).Object(name).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return nil
	}
	return err
}

// PendingPrefix is where clients upload avatars directly; the avatar worker
// promotes them out of it.
const PendingPrefix = "pending/"

// PendingAvatarOwner extracts the owning profile id from a pending avatar
// object name of the form pending/avatars/<owner>/<file>.
func PendingAvatarOwner(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, PendingPrefix+"avatars/")
	if !ok {
		return "", false
	}
	owner, file, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || file == "" || strings.Contains(file, "/") {
		return "", false
	}
	return owner, true
}

// Promote copies a pending object to its final name with a fresh download
// token, removes the pending copy, and returns the download URL.
func (s *GCSPhotoStore) Promote(ctx context.Context, pendingName string, metadata map[string]string) (string, error) {
	finalName := strings.TrimPrefix(pendingName, PendingPrefix)
	if finalName == pendingName {
		return "", fmt.Errorf("photos: %s is not pending", pendingName)
	}
	token := uuid.New().String()

	md := map[string]string{}
	for k, v := range metadata {
		md[k] = v
	}
	md["firebaseStorageDownloadTokens"] = token

	b := s.client.Bucket(s.bucket)
	src, dst := b.Object(pendingName), b.Object(finalName)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return "", fmt.Errorf("photos: copy %s: %w", pendingName, err)
	}
	if _, err := dst.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: md}); err != nil {
		return "", fmt.Errorf("photos: tag %s: %w", finalName, err)
	}
	if err := src.Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return "", fmt.Errorf("photos: drop %s: %w", pendingName, err)
	}
	return firebaseDownloadURL(s.bucket, finalName, token), nil
}

// Metadata fetches the custom metadata of an object.
func (s *GCSPhotoStore) Metadata(ctx context.Context, name string) (map[string]string, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("photos: attrs %s: %w", name, err)
	}
	return attrs.Metadata, nil
}

func firebaseDownloadURL(bucket, objectName, token string) string {
	return fmt.Sprintf(
		"https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		bucket,
		url.PathEscape(objectName),
		url.QueryEscape(token),
	)
}

// objectFromDownloadURL reverses firebaseDownloadURL for refs in our bucket.
func objectFromDownloadURL(bucket, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", ErrInvalidPhotoRef
	}
	prefix := "/v0/b/" + bucket + "/o/"
	if u.Host != "firebasestorage.googleapis.com" || !strings.HasPrefix(u.EscapedPath(), prefix) {
		return "", ErrInvalidPhotoRef
	}
	name, err := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), prefix))
	if err != nil || name == "" {
		return "", ErrInvalidPhotoRef
	}
	return name, nil
}
