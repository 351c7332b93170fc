package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentKeyKeepsSafeExtension(t *testing.T) {
	testCases := []struct {
		name     string
		fileName string
		expected string
	}{
		{name: "Image", fileName: "Photo.JPG", expected: "capsules/cap-1/content-1.jpg"},
		{name: "NoExtension", fileName: "README", expected: "capsules/cap-1/content-1"},
		{name: "NestedPath", fileName: "../../etc/passwd.txt", expected: "capsules/cap-1/content-1.txt"},
		{name: "UnsafeExtension", fileName: "note.t$t", expected: "capsules/cap-1/content-1"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.expected, ContentKey("cap-1", "content-1", testCase.fileName))
		})
	}
	require.Equal(t, "capsules/cap-1/", CapsulePrefix("cap-1"))
}

func TestLocalStoreRoundTripEncrypted(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(Options{Backend: BackendLocal, Root: root, EncryptionKey: "media-secret"})
	require.NoError(t, err)

	ctx := context.Background()
	payload := bytes.Repeat([]byte("time capsule "), 512)
	key := ContentKey("cap-1", "content-1", "letter.txt")
	require.NoError(t, store.Put(ctx, key, bytes.NewReader(payload)))

	reader, err := store.Open(ctx, key)
	require.NoError(t, err)
	restored, err := io.ReadAll(reader)
	require.NoError(t, reader.Close())
	require.NoError(t, err)
	require.Equal(t, payload, restored)

	var storedFiles []string
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr == nil && !info.IsDir() {
			storedFiles = append(storedFiles, path)
		}
		return walkErr
	}))
	require.Len(t, storedFiles, 1)
	raw, err := os.ReadFile(storedFiles[0])
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), "time capsule"), "payload must not be stored in clear text")
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	_, err := NewStore(Options{Backend: "ftp"})
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "capsules/a/1.txt", strings.NewReader("a")))
	require.NoError(t, store.Put(ctx, "capsules/b/1.txt", strings.NewReader("b")))

	require.NoError(t, store.DeletePrefix(ctx, CapsulePrefix("a")))
	require.Equal(t, []string{"capsules/b/1.txt"}, store.Keys())
	_, err := store.Open(ctx, "capsules/a/1.txt")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
