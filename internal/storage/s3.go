package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

// S3API is the subset of the S3 client the source uses
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source implements Source for Amazon S3
type S3Source struct {
	client S3API
}

// NewS3Source creates an S3 source using the default AWS credential chain
func NewS3Source(ctx context.Context, cfg config.S3Source) (*S3Source, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3SourceWithClient(s3.NewFromConfig(awsCfg)), nil
}

// NewS3SourceWithClient creates an S3 source around an existing client
func NewS3SourceWithClient(client S3API) *S3Source {
	return &S3Source{client: client}
}

// Open reads the object's metadata with HeadObject
func (ss *S3Source) Open(ctx context.Context, uri string) (File, error) {
	bucket, key, err := parseS3URL(uri)
	if err != nil {
		return nil, ingesterr.Validation("open-source", "invalid S3 URI: %v", err)
	}

	head, err := ss.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(ctx, "open-source", uri, err)
	}

	info := FileInfo{
		Path:        uri,
		Name:        path.Base(key),
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
		ETag:        strings.Trim(aws.ToString(head.ETag), `"`),
	}
	if info.ContentType == "" {
		info.ContentType = contentTypeFor(key)
	}

	slog.Debug("Opened S3 object",
		"bucket", bucket,
		"objectKey", key,
		"size", info.Size,
	)

	return &s3File{client: ss.client, bucket: bucket, key: key, info: info}, nil
}

// GetType returns the source type
func (ss *S3Source) GetType() string {
	return "s3"
}

type s3File struct {
	client S3API
	bucket string
	key    string
	info   FileInfo
}

func (sf *s3File) Info() FileInfo {
	return sf.info
}

func (sf *s3File) ReadChunk(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := checkRange("read-chunk", sf.info.Size, offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	out, err := sf.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:  aws.String(sf.bucket),
		Key:     aws.String(sf.key),
		Range:   aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
		IfMatch: ifMatch(sf.info.ETag),
	})
	if err != nil {
		return nil, s3Error(ctx, "read-chunk", sf.info.Path, err)
	}
	defer func() { _ = out.Body.Close() }()

	buf := make([]byte, length)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return nil, requestError(ctx, "read-chunk", fmt.Errorf("failed to read object range: %w", err))
	}
	return buf, nil
}

func (sf *s3File) Close() error {
	return nil
}

// ifMatch pins ranged reads to the object version seen at open
func ifMatch(etag string) *string {
	if etag == "" {
		return nil
	}
	return aws.String(`"` + etag + `"`)
}

func s3Error(ctx context.Context, op, uri string, err error) error {
	var noKey *types.NoSuchKey
	var notFoundErr *types.NotFound
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFoundErr) || errors.As(err, &noBucket) {
		return notFound(op, uri)
	}
	return requestError(ctx, op, err)
}

// parseS3URL extracts bucket and key from one of
//
//	s3://bucket/key
//	https://bucket.s3.region.amazonaws.com/key
//	https://s3.region.amazonaws.com/bucket/key
func parseS3URL(s3URI string) (bucket, objectKey string, err error) {
	if strings.HasPrefix(s3URI, "s3://") {
		parts := strings.SplitN(strings.TrimPrefix(s3URI, "s3://"), "/", 2)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid s3:// URL format")
		}
		return parts[0], parts[1], nil
	}

	u, err := url.Parse(s3URI)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if !strings.HasSuffix(u.Host, ".amazonaws.com") {
		return "", "", fmt.Errorf("not an S3 URL: %s", s3URI)
	}

	p := strings.TrimPrefix(u.Path, "/")
	if strings.HasPrefix(u.Host, "s3.") || strings.HasPrefix(u.Host, "s3-") {
		// path-style
		parts := strings.SplitN(p, "/", 2)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid path-style S3 URL")
		}
		return parts[0], parts[1], nil
	}

	idx := strings.Index(u.Host, ".s3")
	if idx <= 0 || p == "" {
		return "", "", fmt.Errorf("invalid virtual-hosted S3 URL")
	}
	return u.Host[:idx], p, nil
}
