// Package s3 implements staybook.ObjectStorage on any S3-compatible service.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/aadithya-v/staybook"
)

const defaultCacheControl = "max-age=3600"

// Client is the subset of the S3 API the adapter uses.
type Client interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
}

// Config configures the S3 adapter.
type Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// PublicBaseURL prefixes public object URLs as <base>/<bucket>/<path>.
	// Default: Endpoint, or the AWS virtual-hosted URL.
	PublicBaseURL string `yaml:"public_base_url"`

	UsePathStyle bool `yaml:"use_path_style"`

	// CacheControl is sent with every upload. Default: "max-age=3600".
	CacheControl string `yaml:"cache_control"`
}

// Storage implements staybook.ObjectStorage.
type Storage struct {
	client Client
	cfg    Config
}

var _ staybook.ObjectStorage = (*Storage)(nil)

// New creates a Storage over an existing client.
func New(cfg Config, client Client) *Storage {
	if cfg.CacheControl == "" {
		cfg.CacheControl = defaultCacheControl
	}
	return &Storage{client: client, cfg: cfg}
}

// NewFromConfig builds an S3 client from cfg, falling back to the default
// AWS credential chain when no static keys are given.
func NewFromConfig(ctx context.Context, cfg Config) (*Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(cfg, client), nil
}

// Upload stores data at path. It refuses to overwrite an existing object.
func (s *Storage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String(s.cfg.CacheControl),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		return wrapErr("uploading "+path, err)
	}
	return nil
}

// PublicURL returns the public URL of path.
func (s *Storage) PublicURL(bucket, path string) string {
	escaped := escapePath(path)

	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(s.cfg.Endpoint, "/")
	}
	if base == "" {
		region := s.cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
	}
	return base + "/" + bucket + "/" + escaped
}

// Remove deletes paths in one batch.
func (s *Storage) Remove(ctx context.Context, bucket string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	objects := make([]types.ObjectIdentifier, len(paths))
	for i, p := range paths {
		objects[i] = types.ObjectIdentifier{Key: aws.String(p)}
	}

	out, err := s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return wrapErr("removing objects", err)
	}
	if out != nil && len(out.Errors) > 0 {
		first := out.Errors[0]
		return staybook.NewError(staybook.KindStorage, "", fmt.Errorf("removing %s: %s (%d of %d failed)",
			aws.ToString(first.Key), aws.ToString(first.Message), len(out.Errors), len(paths)))
	}
	return nil
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// wrapErr maps SDK errors onto the staybook error taxonomy.
func wrapErr(what string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return staybook.NewError(staybook.KindStorage, "", fmt.Errorf("%s: %w", what, staybook.ErrObjectExists))
		case "NoSuchBucket":
			return &staybook.Error{
				Kind: staybook.KindStorage,
				Code: staybook.CodeSchemaMissing,
				Err:  fmt.Errorf("%s: %w: %s", what, staybook.ErrSchemaMissing, apiErr.ErrorMessage()),
			}
		}
		return staybook.NewError(staybook.KindStorage, "", fmt.Errorf("%s: %w", what, err))
	}
	if staybook.IsTransport(err) {
		return staybook.NewError(staybook.KindTransport, "", fmt.Errorf("%s: %w", what, err))
	}
	return staybook.NewError(staybook.KindStorage, "", fmt.Errorf("%s: %w", what, err))
}
