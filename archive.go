package mermaidetl

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"
)

// Archive keeps a copy of every raw page fetched during a run so a single
// unit can be inspected or replayed later.
type Archive interface {
	Put(ctx context.Context, key string, body []byte) error
	Close() error
}

// ArchiveConfig selects where raw pages are written. URL is gs://bucket/prefix
// or s3://bucket/prefix; an empty URL disables archiving.
type ArchiveConfig struct {
	URL string `json:"url"`

	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3PathStyle bool   `json:"s3_path_style"`
}

// OpenArchive builds the Archive described by cfg.
func OpenArchive(ctx context.Context, cfg ArchiveConfig) (Archive, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, xerrors.Errorf("invalid archive url %q: %w", cfg.URL, err)
	}
	if u.Host == "" {
		return nil, xerrors.Errorf("archive url %q has no bucket", cfg.URL)
	}
	prefix := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case "gs":
		c, err := storage.NewClient(ctx)
		if err != nil {
			return nil, xerrors.Errorf("failed to build storage client: %w", err)
		}
		return &gcsArchive{client: c, bucket: c.Bucket(u.Host), prefix: prefix}, nil

	case "s3":
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, xerrors.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.S3PathStyle
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			}
		})
		return &s3Archive{client: client, bucket: u.Host, prefix: prefix}, nil
	}

	return nil, xerrors.Errorf("unsupported archive scheme %q", u.Scheme)
}

type gcsArchive struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func (a *gcsArchive) Close() error { return a.client.Close() }

func (a *gcsArchive) Put(ctx context.Context, key string, body []byte) error {
	w := a.bucket.Object(path.Join(a.prefix, key)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return xerrors.Errorf("failed to write gs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return xerrors.Errorf("failed to close gs object %s: %w", key, err)
	}
	return nil
}

// s3PutAPI is the part of the S3 client the archive uses.
type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Archive struct {
	client s3PutAPI
	bucket string
	prefix string
}

// Close is a no-op; the S3 client holds no resources of its own.
func (a *s3Archive) Close() error { return nil }

func (a *s3Archive) Put(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(path.Join(a.prefix, key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return xerrors.Errorf("failed to put s3 object %s: %w", key, err)
	}
	return nil
}
