package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const objectSuffix = ".json.zst"

// ObjectBackend persists snapshots to an S3-compatible bucket, one
// zstd-compressed object per conversation, sealed by the configured
// Cipher before upload.
type ObjectBackend struct {
	client  *minio.Client
	bucket  string
	prefix  string
	cipher  Cipher
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewObjectBackend connects to the configured endpoint and makes sure
// the bucket exists. A nil cipher stores objects unsealed.
func NewObjectBackend(ctx context.Context, cfg config.ObjectStoreConfig, cipher Cipher) (*ObjectBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object backend: bucket is required")
	}
	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object backend: connect %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("object backend: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("object backend: create bucket %s: %w", cfg.Bucket, err)
		}
		log.Infof("Created snapshot bucket %s", cfg.Bucket)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if cipher == nil {
		cipher = NoopCipher{}
	}
	return &ObjectBackend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		cipher:  cipher,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (b *ObjectBackend) Name() string { return "object" }

func (b *ObjectBackend) Close() error {
	err := b.encoder.Close()
	b.decoder.Close()
	return err
}

// WriteSnapshots uploads each snapshot as compress-then-seal bytes.
func (b *ObjectBackend) WriteSnapshots(ctx context.Context, snaps []Snapshot) error {
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("object backend: encode %s: %w", snap.ID, err)
		}
		sealed, err := b.cipher.Seal(b.encoder.EncodeAll(data, nil))
		if err != nil {
			return fmt.Errorf("object backend: seal %s: %w", snap.ID, err)
		}
		key := b.key(snap.ID)
		_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(sealed), int64(len(sealed)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("object backend: put %s: %w", key, err)
		}
	}
	return nil
}

// LoadSnapshots lists and fetches every snapshot object under the
// configured prefix. Unreadable objects are skipped with a warning.
func (b *ObjectBackend) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	listPrefix := b.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	var snaps []Snapshot
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("object backend: list %s: %w", b.bucket, obj.Err)
		}
		if !strings.HasSuffix(obj.Key, objectSuffix) {
			continue
		}
		snap, err := b.fetch(ctx, obj.Key)
		if err != nil {
			log.Warnf("Skipping unreadable snapshot object %s: %v", obj.Key, err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (b *ObjectBackend) fetch(ctx context.Context, key string) (Snapshot, error) {
	var snap Snapshot
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return snap, err
	}
	defer obj.Close()

	sealed, err := io.ReadAll(obj)
	if err != nil {
		return snap, err
	}
	compressed, err := b.cipher.Open(sealed)
	if err != nil {
		return snap, err
	}
	data, err := b.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	if snap.ID == "" {
		return snap, fmt.Errorf("missing conversation id")
	}
	return snap, nil
}

func (b *ObjectBackend) key(id string) string {
	name := snapshotBaseName(id) + objectSuffix
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}
