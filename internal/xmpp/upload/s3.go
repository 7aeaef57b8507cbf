package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// PutObjectAPI is the part of the S3 client the uploader needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicURL is the base URL objects are served from
	PublicURL string
	MaxSize   int64
}

// S3Uploader puts attachments into a bucket
type S3Uploader struct {
	api       PutObjectAPI
	bucket    string
	publicURL string
	maxSize   int64
}

// NewS3Client builds an S3 client from cfg. Static keys are used when given,
// otherwise the default credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Uploader creates an uploader over api
func NewS3Uploader(api PutObjectAPI, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	base := cfg.PublicURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &S3Uploader{
		api:       api,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(base, "/"),
		maxSize:   cfg.MaxSize,
	}, nil
}

// Upload puts the file into the bucket
func (u *S3Uploader) Upload(ctx context.Context, path string) (Result, error) {
	f, err := open(path, u.maxSize)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	key := objectKey(f.name)
	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(f.mimeType),
		ContentLength: aws.Int64(f.size),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return Result{}, fmt.Errorf("s3 upload rejected (%s): %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return Result{}, fmt.Errorf("s3 upload failed: %w", err)
	}

	return Result{
		URL:      u.publicURL + "/" + escapeKey(key),
		MIMEType: f.mimeType,
		Size:     f.size,
	}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
