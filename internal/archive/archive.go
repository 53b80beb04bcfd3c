// Package archive keeps a copy of each finished co-edit document in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDocumentBytes = 16 << 20

var ErrNotFound = errors.New("archive: document not found")

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Insecure  bool
	// Transport overrides the HTTP transport; tests point it at a fake.
	Transport http.RoundTripper
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	if endpoint == "" {
		return nil, fmt.Errorf("archive: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		Transport:    cfg.Transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("archive: make bucket: %w", err)
	}
	return nil
}

// DocumentKey is the object key of the document that ended at endedAt.
func DocumentKey(convID string, endedAt time.Time) string {
	return "conversations/" + convID + "/" + strconv.FormatInt(endedAt.UnixMilli(), 10) + ".txt"
}

// PutDocument stores the final text and returns its key.
func (s *Store) PutDocument(ctx context.Context, convID string, endedAt time.Time, text string) (string, error) {
	if convID == "" {
		return "", fmt.Errorf("archive: conversation id is required")
	}
	key := DocumentKey(convID, endedAt)
	payload := []byte(text)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
		UserMetadata: map[string]string{
			"conv-id": convID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) GetDocument(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", s.mapError(err, key)
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, maxDocumentBytes))
	if err != nil {
		return "", s.mapError(err, key)
	}
	return string(payload), nil
}

// ListDocuments returns the archived keys of one conversation, oldest first.
func (s *Store) ListDocuments(ctx context.Context, convID string) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "conversations/" + convID + "/",
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", convID, info.Err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (s *Store) mapError(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("archive: get %s: %w", key, err)
}
