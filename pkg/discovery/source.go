package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Source reads manifest files by name. Missing files report an error
// wrapping fs.ErrNotExist.
type Source interface {
	Open(ctx context.Context, name string) ([]byte, error)
}

// FSSource reads manifests from a file system.
type FSSource struct {
	FS fs.FS
}

// Open implements Source.
func (s FSSource) Open(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fs.ReadFile(s.FS, name)
}

// S3GetObjectAPI is the part of *s3.Client used by S3Source.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads manifests from an S3 bucket. Names are joined to Prefix to
// form object keys.
type S3Source struct {
	Client S3GetObjectAPI
	Bucket string
	Prefix string

	// MaxSize limits the object size in bytes. Zero means 1 MiB.
	MaxSize int64
}

const defaultMaxManifestSize = 1 << 20

// Open implements Source.
func (s S3Source) Open(ctx context.Context, name string) ([]byte, error) {
	key := path.Join(s.Prefix, name)
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.Bucket, key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("discovery: get s3://%s/%s: %w", s.Bucket, key, err)
	}
	defer out.Body.Close()

	limit := s.MaxSize
	if limit <= 0 {
		limit = defaultMaxManifestSize
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("discovery: read s3://%s/%s: %w", s.Bucket, key, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("discovery: s3://%s/%s exceeds %d bytes", s.Bucket, key, limit)
	}
	return data, nil
}
