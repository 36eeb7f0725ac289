// Package blobstore persists result document sets that are too large for an
// inline queue record. Workers write, the wait coordinator reads, and only
// the wait coordinator deletes (for zero-data-retention jobs).
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nareg23/firecrawl/internal/scrape"
)

// Store is the blob store contract used by workers and the wait coordinator.
type Store interface {
	Put(ctx context.Context, jobID string, docs []scrape.Document) error
	// Get returns the documents and whether the blob exists.
	Get(ctx context.Context, jobID string) ([]scrape.Document, bool, error)
	Delete(ctx context.Context, jobID string) error
}

// ==================== MemoryStore ====================

// MemoryStore keeps blobs in process, for tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(ctx context.Context, jobID string, docs []scrape.Document) error {
	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("blobstore: marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[jobID] = data
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) ([]scrape.Document, bool, error) {
	s.mu.RLock()
	data, ok := s.blobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var docs []scrape.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, true, fmt.Errorf("blobstore: decode: %w", err)
	}
	return docs, true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, jobID)
	return nil
}

// ==================== S3Store ====================

// S3Store stores each job's documents as a JSON object under jobs/{id}.json.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

func blobKey(jobID string) string {
	return "jobs/" + jobID + ".json"
}

func (s *S3Store) Put(ctx context.Context, jobID string, docs []scrape.Document) error {
	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("blobstore: marshal: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(blobKey(jobID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", jobID, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, jobID string) ([]scrape.Document, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(jobID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("blobstore: get %s: %w", jobID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, true, fmt.Errorf("blobstore: read %s: %w", jobID, err)
	}
	var docs []scrape.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, true, fmt.Errorf("blobstore: decode %s: %w", jobID, err)
	}
	return docs, true, nil
}

func (s *S3Store) Delete(ctx context.Context, jobID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(jobID)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", jobID, err)
	}
	return nil
}
