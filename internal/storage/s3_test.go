package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	deletes      int
}

func newStubS3() *stubS3 {
	return &stubS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (s *stubS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := *in.Key
	if _, ok := s.objects[key]; ok && in.IfNoneMatch != nil {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[key] = data
	if in.ContentType != nil {
		s.contentTypes[key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (s *stubS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (s *stubS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type stubPresigner struct {
	expires time.Duration
}

func (p *stubPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	p.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://" + *in.Bucket + ".s3.amazonaws.com/" + *in.Key + "?X-Amz-Signature=sig"}, nil
}

func TestS3BackendLifecycle(t *testing.T) {
	api := newStubS3()
	presigner := &stubPresigner{}
	backend := NewS3Backend(api, presigner, "uploads-bucket", "tmp/", 0)
	store := NewTransientStore(backend, zap.NewNop())
	ctx := context.Background()

	artifact, err := store.Save(ctx, strings.NewReader("jpeg-bytes"), "card.jpg", "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, int64(len("jpeg-bytes")), artifact.Size)
	assert.True(t, strings.HasPrefix(artifact.URL, "https://uploads-bucket.s3.amazonaws.com/tmp/"+artifact.Name))
	assert.Equal(t, DefaultPresignTTL, presigner.expires)
	assert.Equal(t, "image/jpeg", api.contentTypes["tmp/"+artifact.Name])

	rc, err := store.Open(ctx, artifact)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", readAll(t, rc))

	store.Delete(ctx, artifact)
	store.Delete(ctx, artifact)
	assert.Equal(t, 2, api.deletes)

	_, err = store.Open(ctx, artifact)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3BackendRefusesOverwrite(t *testing.T) {
	backend := NewS3Backend(newStubS3(), &stubPresigner{}, "b", "", time.Minute)
	ctx := context.Background()

	_, err := backend.Put(ctx, "k.jpg", bytes.NewReader([]byte("one")), "")
	require.NoError(t, err)
	_, err = backend.Put(ctx, "k.jpg", bytes.NewReader([]byte("two")), "")
	require.ErrorIs(t, err, ErrExists)
}

func TestSeekableBodyPreservesOffset(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789"))
	_, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)

	body, size, err := seekableBody(r)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
	rest, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))

	body, size, err = seekableBody(io.LimitReader(strings.NewReader("abc"), 10))
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	rest, err = io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(rest))
}
