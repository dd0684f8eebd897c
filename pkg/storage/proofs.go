package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ProofStore keeps tokenization proof documents in one bucket.
type ProofStore struct {
	s3         S3Client
	bucket     string
	presignTTL time.Duration
}

func NewProofStore(s3 S3Client, bucket string, presignTTL time.Duration) *ProofStore {
	return &ProofStore{s3: s3, bucket: bucket, presignTTL: presignTTL}
}

// ProofKey is the object key for a request's proof document.
func ProofKey(requestID string) string {
	return fmt.Sprintf("documents/%s.pdf", requestID)
}

// Put stores a PDF and returns its s3:// location.
func (p *ProofStore) Put(ctx context.Context, key string, body io.Reader) (string, error) {
	if err := p.s3.Upload(ctx, p.bucket, key, "application/pdf", body); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

// Remove deletes a stored document.
func (p *ProofStore) Remove(ctx context.Context, key string) error {
	return p.s3.Delete(ctx, p.bucket, key)
}

// ViewURL returns a short-lived download link for an s3:// location produced
// by Put.
func (p *ProofStore) ViewURL(ctx context.Context, location string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", p.bucket)
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("location %q is not in bucket %s", location, p.bucket)
	}
	return p.s3.GetPresignedURL(ctx, p.bucket, strings.TrimPrefix(location, prefix), p.presignTTL)
}
