// Package objectstore mirrors lab archives to S3-compatible object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Config selects the bucket archives are mirrored to.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region" validate:"required_with=Bucket"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// Client uploads, downloads and deletes archive objects.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	retry  []Option
	logger zerolog.Logger
}

// NewClient creates a client for the configured bucket.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger, retry ...Option) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("object store bucket is not configured")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return newClient(client, cfg, logger, retry...), nil
}

func newClient(client *s3.Client, cfg Config, logger zerolog.Logger, retry ...Option) *Client {
	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		retry:  retry,
		logger: logger.With().Str("component", "objectstore").Str("bucket", cfg.Bucket).Logger(),
	}
}

// Key returns the object key for an archive file name.
func (c *Client) Key(name string) string {
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

// URI returns the s3:// URI of a key.
func (c *Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

// Upload stores the file at src under key and returns its URI.
func (c *Client) Upload(ctx context.Context, key, src string) (string, error) {
	err := WithBackoff(ctx, func() error {
		f, err := os.Open(src)
		if err != nil {
			return Fatal(err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return Fatal(err)
		}

		_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String("application/gzip"),
		})
		return classify(err)
	}, c.retry...)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	c.logger.Debug().Str("key", key).Msg("Archive uploaded")
	return c.URI(key), nil
}

// Download writes the object at key to dst.
func (c *Client) Download(ctx context.Context, key, dst string) error {
	err := WithBackoff(ctx, func() error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classify(err)
		}
		defer out.Body.Close()

		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return Fatal(err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, c.retry...)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return nil
}

// Delete removes the object at key. A missing object is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := WithBackoff(ctx, func() error {
		_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return nil
		}
		return classify(err)
	}, c.retry...)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns the keys under the client prefix.
func (c *Client) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix + "/")
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", c.bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// classify marks errors that retrying cannot fix as fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return Fatal(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return Fatal(err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
