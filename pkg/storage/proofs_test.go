package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	return m.Called(ctx, bucket, key, contentType, body).Error(0)
}

func (m *MockS3Client) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, bucket, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockS3Client) Delete(ctx context.Context, bucket, key string) error {
	return m.Called(ctx, bucket, key).Error(0)
}

func (m *MockS3Client) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	args := m.Called(ctx, bucket, key, expiration)
	return args.String(0), args.Error(1)
}

func TestProofStorePutAndView(t *testing.T) {
	s3 := new(MockS3Client)
	store := NewProofStore(s3, "proofs", time.Minute)
	key := ProofKey("42")

	s3.On("Upload", mock.Anything, "proofs", "documents/42.pdf", "application/pdf", mock.Anything).Return(nil)
	s3.On("GetPresignedURL", mock.Anything, "proofs", "documents/42.pdf", time.Minute).Return("https://signed/42", nil)

	location, err := store.Put(context.Background(), key, strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "s3://proofs/documents/42.pdf", location)

	url, err := store.ViewURL(context.Background(), location)
	require.NoError(t, err)
	assert.Equal(t, "https://signed/42", url)
	s3.AssertExpectations(t)
}

func TestProofStoreViewRejectsForeignLocation(t *testing.T) {
	store := NewProofStore(new(MockS3Client), "proofs", time.Minute)

	_, err := store.ViewURL(context.Background(), "s3://elsewhere/documents/1.pdf")

	assert.Error(t, err)
}
