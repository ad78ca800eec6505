package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrNotFound is returned when the requested key does not exist
	ErrNotFound = errors.New("object not found")

	// ErrAccess is returned on permission or network failures
	ErrAccess = errors.New("object store access failed")
)

// Config holds object store configuration
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // optional, for S3 compatible stores
	UsePathStyle bool
}

// s3API is the subset of the S3 client used here
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client reads and writes blobs in a single bucket
type Client struct {
	bucket string
	api    s3API
	logger *slog.Logger
}

// NewClient creates a new object store client using the default AWS credential chain
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	logger.Info("Object store client initialized",
		slog.String("bucket", config.Bucket),
		slog.String("region", awsCfg.Region),
	)

	return newClient(config.Bucket, api, logger), nil
}

func newClient(bucket string, api s3API, logger *slog.Logger) *Client {
	return &Client{
		bucket: bucket,
		api:    api,
		logger: logger,
	}
}

// Get reads the object stored under key
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrAccess, key, err)
	}

	c.logger.Debug("Object read",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)

	return data, nil
}

// Put writes data under key, replacing any existing object, and returns the key
func (c *Client) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classify(key, err)
	}

	c.logger.Debug("Object written",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)

	return key, nil
}

func classify(key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return fmt.Errorf("%w: %s: %v", ErrAccess, key, err)
}
