package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 keeps objects in memory.
type mockS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	inputs       map[string]*s3.PutObjectInput
	bucketExists bool
	created      bool
	putErr       error
	headErr      error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, inputs: map[string]*s3.PutObjectInput{}}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	m.inputs[*in.Key] = in
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !m.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.created = true
	m.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func TestPutAndGetObject(t *testing.T) {
	api := newMockS3()
	c := NewWithAPI(api, "audit-archive")
	ctx := context.Background()
	content := []byte(`{"sequence_number":0}` + "\n")

	checksum, err := c.PutObject(ctx, "chain/default/0-1.ndjson", content, "application/x-ndjson", map[string]string{"range-from": "0"})
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	in := api.inputs["chain/default/0-1.ndjson"]
	require.NotNil(t, in)
	assert.Equal(t, "audit-archive", aws.ToString(in.Bucket))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), aws.ToString(in.ChecksumSHA256))
	assert.Equal(t, checksum, in.Metadata["checksum-sha256"])
	assert.Equal(t, "0", in.Metadata["range-from"])

	body, err := c.GetObject(ctx, "chain/default/0-1.ndjson")
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	exists, err := c.ObjectExists(ctx, "chain/default/0-1.ndjson")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.ObjectExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutObjectError(t *testing.T) {
	api := newMockS3()
	api.putErr = errors.New("access denied")
	_, err := NewWithAPI(api, "b").PutObject(context.Background(), "k", []byte("x"), "text/plain", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")
}

func TestObjectExistsError(t *testing.T) {
	api := newMockS3()
	api.headErr = errors.New("timeout")
	_, err := NewWithAPI(api, "b").ObjectExists(context.Background(), "k")
	assert.Error(t, err)
}

func TestEnsureBucketAndHealth(t *testing.T) {
	api := newMockS3()
	c := NewWithAPI(api, "b")
	ctx := context.Background()

	assert.Error(t, c.HealthCheck(ctx))
	require.NoError(t, c.ensureBucket(ctx))
	assert.True(t, api.created)
	assert.NoError(t, c.HealthCheck(ctx))
	assert.Equal(t, "b", c.Bucket())
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(errors.New("NotFound")))
	assert.True(t, isBucketAlreadyOwned(&types.BucketAlreadyOwnedByYou{}))
	assert.False(t, isBucketAlreadyOwned(errors.New("nope")))
}
