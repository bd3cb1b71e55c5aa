package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPhotoStoreUploadAndDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalPhotoStore(dir, "/uploads")
	require.NoError(t, err)

	ref, err := store.Upload(context.Background(), "owner-1", "me.PNG", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "/uploads/avatars/owner-1/"))
	assert.True(t, strings.HasSuffix(ref, ".png"))

	path := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(ref, "/uploads/")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(b))

	require.NoError(t, store.Delete(context.Background(), "owner-1", ref))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting twice is fine.
	assert.NoError(t, store.Delete(context.Background(), "owner-1", ref))
}

func TestLocalPhotoStoreRejectsForeignRefs(t *testing.T) {
	store, err := NewLocalPhotoStore(t.TempDir(), "/uploads/")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Delete(context.Background(), "o", "https://elsewhere/x.jpg"), ErrInvalidPhotoRef)
	assert.ErrorIs(t, store.Delete(context.Background(), "o", "/uploads/../secret"), ErrInvalidPhotoRef)
	assert.ErrorIs(t, store.Delete(context.Background(), "o", "/uploads/avatars/o/../p/x.jpg"), ErrInvalidPhotoRef)
}

func TestLocalPhotoStoreKeepsOtherOwnersPhotos(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalPhotoStore(dir, "/uploads")
	require.NoError(t, err)

	ref, err := store.Upload(context.Background(), "victim", "me.jpg", "image/jpeg", strings.NewReader("jpg"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.Delete(context.Background(), "attacker", ref), ErrInvalidPhotoRef)
	assert.ErrorIs(t, store.Delete(context.Background(), "", ref), ErrInvalidPhotoRef)

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(ref, "/uploads/"))))
	assert.NoError(t, err)
}

func TestOwnedBy(t *testing.T) {
	cases := []struct {
		name, owner string
		want        bool
	}{
		{"avatars/o1/a.jpg", "o1", true},
		{"avatars/o2/a.jpg", "o1", false},
		{"avatars/o1/nested/a.jpg", "o1", false},
		{"avatars/o1/", "o1", false},
		{"avatars/o1/a.jpg", "", false},
		{"avatars/o1/a.jpg", "o1/..", false},
		{"pending/avatars/o1/a.jpg", "o1", false},
		{"avatars/o10/a.jpg", "o1", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ownedBy(tc.name, tc.owner), "%s by %s", tc.name, tc.owner)
	}
}

func TestObjectNameExtension(t *testing.T) {
	assert.True(t, strings.HasSuffix(objectName("o", "", "image/webp"), ".webp"))
	assert.True(t, strings.HasSuffix(objectName("o", "", "application/octet-stream"), ".jpg"))
	assert.True(t, strings.HasPrefix(objectName("o", "a.gif", ""), "avatars/o/"))
}
