package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/malbeclabs/spend/utils/pkg/retry"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3ClientConfig configures NewS3Client. Credentials fall back to the default
// AWS chain when no static key is given.
type S3ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// NewS3Client builds an S3 client. Endpoint and PathStyle target S3-compatible
// stores such as MinIO.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

type S3StoreConfig struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	// Prefix is prepended to every key, e.g. "spend-cache".
	Prefix string
	Retry  retry.Config
}

func (cfg *S3StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// S3Store keeps one object per cached result.
type S3Store struct {
	log *slog.Logger
	cfg S3StoreConfig
}

func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Store{log: cfg.Logger, cfg: cfg}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	objectKey := s.objectKey(key)
	type result struct {
		body  []byte
		found bool
	}
	res, err := retry.DoValue(ctx, s.cfg.Retry, func() (result, error) {
		out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFound(err) {
				return result{}, nil
			}
			return result{}, err
		}
		defer out.Body.Close()
		body, err := io.ReadAll(out.Body)
		if err != nil {
			return result{}, err
		}
		return result{body: body, found: true}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get s3 object %s: %w", objectKey, err)
	}
	return res.body, res.found, nil
}

func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	objectKey := s.objectKey(key)
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(objectKey),
			Body:        bytes.NewReader(value),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to put s3 object %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3Store) Has(ctx context.Context, key string) (bool, error) {
	objectKey := s.objectKey(key)
	found, err := retry.DoValue(ctx, s.cfg.Retry, func() (bool, error) {
		_, err := s.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to head s3 object %s: %w", objectKey, err)
	}
	return found, nil
}

// Clear deletes every object under the prefix, one list page at a time.
func (s *S3Store) Clear(ctx context.Context, prefix string) (int, error) {
	objectPrefix := s.objectKey(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(objectPrefix, "/") {
		objectPrefix += "/"
	}

	deleted := 0
	var token *string
	for {
		out, err := retry.DoValue(ctx, s.cfg.Retry, func() (*s3.ListObjectsV2Output, error) {
			return s.cfg.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.cfg.Bucket),
				Prefix:            aws.String(objectPrefix),
				ContinuationToken: token,
			})
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list s3 objects under %s: %w", objectPrefix, err)
		}

		if len(out.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			err := retry.Do(ctx, s.cfg.Retry, func() error {
				_, err := s.cfg.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(s.cfg.Bucket),
					Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
				})
				return err
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete s3 objects under %s: %w", objectPrefix, err)
			}
			deleted += len(ids)
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	s.log.Debug("cache: cleared s3 objects", "bucket", s.cfg.Bucket, "prefix", objectPrefix, "deleted", deleted)
	return deleted, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var sc interface{ HTTPStatusCode() int }
	return errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusNotFound
}
