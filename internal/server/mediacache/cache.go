// Package mediacache keeps copies of upstream media (avatars, uploaded
// images) in an S3-compatible bucket so repeated proxy requests do not hit
// the chat server.
package mediacache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/chatgate/internal/logging"
	"github.com/google/uuid"
)

// MaxObjectBytes is the largest body the cache stores or reads back.
const MaxObjectBytes = 25 << 20

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ObjectStore is the subset of the S3 API the cache uses.
type ObjectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	Logger       logging.Logger
}

// Item is a cached media object.
type Item struct {
	ContentType string
	Body        []byte
}

type Cache struct {
	store  ObjectStore
	bucket string
	logger logging.Logger
}

// New builds an S3 client from opts. Static credentials are used when an
// access key is configured, the default AWS chain otherwise.
func New(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Bucket == "" {
		return nil, errors.New("mediacache: bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("mediacache: load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithStore(client, opts.Bucket, opts.Logger), nil
}

func NewWithStore(store ObjectStore, bucket string, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache{store: store, bucket: bucket, logger: logger.With("module", "mediacache")}
}

// Key maps a media reference to its object key. Keys are scoped per user.
func Key(userID, ref string) string {
	return fmt.Sprintf("media/%s/%s", userID, uuid.NewSHA1(uuid.NameSpaceURL, []byte(ref)))
}

// Get returns the cached object for ref. A miss is reported as (nil, false, nil).
func (c *Cache) Get(ctx context.Context, userID, ref string) (*Item, bool, error) {
	out, err := c.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(Key(userID, ref)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mediacache: get: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectBytes))
	if err != nil {
		return nil, false, fmt.Errorf("mediacache: read: %w", err)
	}

	item := &Item{Body: body}
	if out.ContentType != nil {
		item.ContentType = *out.ContentType
	}
	return item, true, nil
}

// Put stores item under ref.
func (c *Cache) Put(ctx context.Context, userID, ref string, item Item) error {
	if len(item.Body) > MaxObjectBytes {
		return fmt.Errorf("mediacache: object too large (%d bytes)", len(item.Body))
	}
	_, err := c.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(Key(userID, ref)),
		Body:          bytes.NewReader(item.Body),
		ContentLength: aws.Int64(int64(len(item.Body))),
		ContentType:   aws.String(item.ContentType),
	})
	if err != nil {
		return fmt.Errorf("mediacache: put: %w", err)
	}
	c.logger.Debug(ctx, "media cached", "user_id", userID, "bytes", len(item.Body))
	return nil
}
