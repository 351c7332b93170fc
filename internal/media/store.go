package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashmap-kz/storecrypt/pkg/clients"
	st "github.com/hashmap-kz/storecrypt/pkg/storage"
	"github.com/hashmap-kz/streamcrypt/pkg/codec"
	"github.com/hashmap-kz/streamcrypt/pkg/crypt/aesgcm"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"

	capsulePrefix = "capsules"
)

var ErrUnknownBackend = errors.New("unknown media backend")

// Store keeps capsule attachments outside the database.
type Store interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// blobStorage is the part of a storecrypt backend the media store relies on.
type blobStorage interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	DeleteAll(ctx context.Context, path string) error
}

// Options selects and configures the storage backend.
type Options struct {
	Backend       string
	Root          string
	EncryptionKey string

	S3URL             string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3Region          string
	S3UsePathStyle    bool
}

type encryptedStore struct {
	storage blobStorage
}

// NewStore builds a local or S3 store. Files are gzip-compressed, and AES-GCM encrypted
// when an encryption key is configured.
func NewStore(options Options) (Store, error) {
	algorithms := st.Algorithms{
		Gzip: &st.CodecPair{
			Compressor:   codec.GzipCompressor{},
			Decompressor: codec.GzipDecompressor{},
		},
		Zstd: &st.CodecPair{
			Compressor:   codec.ZstdCompressor{},
			Decompressor: codec.ZstdDecompressor{},
		},
	}
	writeExt := ".gz"
	if strings.TrimSpace(options.EncryptionKey) != "" {
		algorithms.AES = aesgcm.NewChunkedGCMCrypter(options.EncryptionKey)
		writeExt = ".gz.aes"
	}

	switch strings.ToLower(strings.TrimSpace(options.Backend)) {
	case BackendLocal, "":
		backend, err := st.NewLocal(&st.LocalStorageOpts{
			BaseDir:      filepath.ToSlash(options.Root),
			FsyncOnWrite: true,
		})
		if err != nil {
			return nil, fmt.Errorf("local media storage: %w", err)
		}
		variadic, err := st.NewVariadicStorage(backend, algorithms, writeExt)
		if err != nil {
			return nil, fmt.Errorf("local media storage: %w", err)
		}
		return &encryptedStore{storage: variadic}, nil
	case BackendS3:
		client, err := clients.NewS3Client(&clients.S3Config{
			EndpointURL:     options.S3URL,
			AccessKeyID:     options.S3AccessKeyID,
			SecretAccessKey: options.S3SecretAccessKey,
			Bucket:          options.S3Bucket,
			Region:          options.S3Region,
			UsePathStyle:    options.S3UsePathStyle,
			DisableSSL:      strings.HasPrefix(options.S3URL, "http://"),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 media storage: %w", err)
		}
		backend := st.NewS3Storage(client.Client(), options.S3Bucket, filepath.ToSlash(options.Root))
		variadic, err := st.NewVariadicStorage(backend, algorithms, writeExt)
		if err != nil {
			return nil, fmt.Errorf("s3 media storage: %w", err)
		}
		return &encryptedStore{storage: variadic}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, options.Backend)
	}
}

func (store *encryptedStore) Put(ctx context.Context, key string, reader io.Reader) error {
	if err := store.storage.Put(ctx, key, reader); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (store *encryptedStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := store.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return reader, nil
}

func (store *encryptedStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := store.storage.DeleteAll(ctx, prefix); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// CapsulePrefix is the directory holding every file of one capsule.
func CapsulePrefix(capsulePublicID string) string {
	return path.Join(capsulePrefix, capsulePublicID) + "/"
}

// ContentKey names a stored attachment, keeping the original extension.
func ContentKey(capsulePublicID string, contentPublicID string, fileName string) string {
	extension := strings.ToLower(path.Ext(filepath.Base(fileName)))
	for _, character := range strings.TrimPrefix(extension, ".") {
		if (character < 'a' || character > 'z') && (character < '0' || character > '9') {
			extension = ""
			break
		}
	}
	return path.Join(capsulePrefix, capsulePublicID, contentPublicID+extension)
}
