package providers

import (
	"context"
	"fmt"

	"gocloud.dev/blob"

	"github.com/zkmarket/compute-node/common"
)

// BucketStore reads and writes blobs against a keyed blob bucket; references are the
// caller-chosen keys (sessionId/filename), so artifacts remain retrievable by exact
// key later for audit and dispute support
type BucketStore struct {
	bucket *blob.Bucket
}

// InitBucketStore opens the configured bucket URL (s3://, gs:// or file://, with the
// matching gocloud driver compiled in by the caller)
func InitBucketStore(url *string) (*BucketStore, error) {
	bucketURL := common.ArtifactBucketURL
	if url != nil {
		bucketURL = *url
	}

	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact bucket %s; %s", bucketURL, err.Error())
	}

	return &BucketStore{
		bucket: bucket,
	}, nil
}

// Put writes the given bytes under the caller-chosen key, overwriting any previous value
func (s *BucketStore) Put(key string, value []byte) (*string, error) {
	err := s.bucket.WriteAll(context.Background(), key, value, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write %d-byte artifact to bucket key %s; %s", len(value), key, err.Error())
	}

	common.Log.Debugf("wrote %d-byte artifact to bucket key: %s", len(value), key)
	return &key, nil
}

// Get reads the bytes stored under the given key
func (s *BucketStore) Get(reference string) ([]byte, error) {
	value, err := s.bucket.ReadAll(context.Background(), reference)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from bucket key %s; %s", reference, err.Error())
	}

	return value, nil
}

// Exists returns true when a value is stored under the given key
func (s *BucketStore) Exists(reference string) (bool, error) {
	return s.bucket.Exists(context.Background(), reference)
}

// Close releases the underlying bucket
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}
