package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: mock", e.code) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "mock" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeS3 struct {
	objects map[string]string
	err     error
	lastKey string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastKey = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[f.lastKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastKey = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[f.lastKey] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Config_Validate(t *testing.T) {
	assert.Error(t, S3Config{}.Validate())
	assert.Error(t, S3Config{Bucket: "b", AccessKeyID: "id"}.Validate())
	assert.NoError(t, S3Config{Bucket: "b"}.Validate())
	assert.NoError(t, S3Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "secret"}.Validate())
}

func TestS3Store_PutOpenWithPrefix(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	s := newS3Store(fake, S3Config{Bucket: "models", Prefix: "/runs/"})

	require.NoError(t, s.Put(ctx, "job_1.pt", strings.NewReader("weights"), 7))
	assert.Equal(t, "runs/job_1.pt", fake.lastKey)

	obj, err := s.Open(ctx, "job_1.pt")
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()

	assert.Equal(t, "runs/job_1.pt", fake.lastKey)
	assert.Equal(t, int64(7), obj.Size)
	assert.Equal(t, "application/octet-stream", obj.ContentType)
}

func TestS3Store_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key type", &types.NoSuchKey{}, ErrNotFound},
		{"no such bucket type", &types.NoSuchBucket{}, ErrBucketNotFound},
		{"access denied", &mockAPIError{code: "AccessDenied"}, ErrAccessDenied},
		{"bad signature", &mockAPIError{code: "SignatureDoesNotMatch"}, ErrInvalidCredentials},
		{"throttled", &mockAPIError{code: "SlowDown"}, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newS3Store(&fakeS3{err: tt.err}, S3Config{Bucket: "models"})
			_, err := s.Open(context.Background(), "job_1.pt")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "models/job_1.pt")
		})
	}
}
