package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	fileutil "dropzone/internal/file"
	"dropzone/internal/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// putObjectAPI is the part of *s3.Client the uploader needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
}

// S3 puts every entry into a bucket under <prefix>/<entry id>/<file name>.
type S3 struct {
	client putObjectAPI
	bucket string
	prefix string
}

var ErrNoBucket = errors.New("s3 bucket is not configured")

// NewS3 builds a client from the default AWS chain. Static credentials and a
// custom endpoint (e.g. MinIO) are used when configured.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
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
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3WithClient(client putObjectAPI, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) key(e upload.Entry) string {
	return path.Join(s.prefix, e.ID, fileutil.SafeName(e.FileName, "file"))
}

func (s *S3) Upload(ctx context.Context, e upload.Entry) (upload.Result, error) {
	rc, err := openPayload(e)
	if err != nil {
		return upload.Result{}, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: rc})
	_ = rc.Close()
	if err != nil {
		return upload.Result{}, fmt.Errorf("read payload: %w", err)
	}

	contentType := e.File.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	key := s.key(e)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"original-name": url.QueryEscape(e.FileName)},
	})
	if err != nil {
		return upload.Result{}, fmt.Errorf("put object %s: %w", key, err)
	}

	return upload.Result{
		Location:    "s3://" + s.bucket + "/" + key,
		Size:        int64(len(data)),
		ContentType: contentType,
		ETag:        aws.ToString(out.ETag),
	}, nil
}
