// Package s3 stores artifacts in an S3 bucket and signs downloads with
// presigned GetObject URLs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/xraph/courier/artifact"
)

var _ artifact.Store = (*Store)(nil)

// ObjectAPI is the subset of *s3.Client used by Store.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// PresignAPI is the subset of *s3.PresignClient used by Store.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is an S3-backed artifact.Store.
type Store struct {
	api     ObjectAPI
	presign PresignAPI
	bucket  string
	prefix  string
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix stores every key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an S3 client.
func New(client *s3.Client, bucket string, opts ...Option) *Store {
	return NewWithAPI(client, s3.NewPresignClient(client), bucket, opts...)
}

// NewWithAPI builds a Store from explicit API implementations.
func NewWithAPI(api ObjectAPI, presign PresignAPI, bucket string, opts ...Option) *Store {
	s := &Store{api: api, presign: presign, bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientConfig selects the AWS region and an optional S3-compatible
// endpoint.
type ClientConfig struct {
	Region   string
	Endpoint string
}

// NewClient loads the default AWS configuration chain and returns an S3
// client. A non-empty Endpoint switches to path-style addressing for
// S3-compatible servers.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifact/s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads data.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (artifact.Object, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return artifact.Object{}, fmt.Errorf("artifact/s3: put %q: %w", key, err)
	}
	return artifact.Object{Key: key, Size: int64(len(data))}, nil
}

// Exists issues a HeadObject request.
func (s *Store) Exists(ctx context.Context, key string) (artifact.Object, bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return artifact.Object{}, false, nil
		}
		return artifact.Object{}, false, fmt.Errorf("artifact/s3: head %q: %w", key, err)
	}
	return artifact.Object{Key: key, Size: aws.ToInt64(out.ContentLength)}, true, nil
}

// Sign presigns a GetObject request valid for ttl.
func (s *Store) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("artifact/s3: presign %q: %w", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
