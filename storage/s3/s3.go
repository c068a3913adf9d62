// Package s3 implements storage.Storage on Amazon S3 or any S3-compatible
// object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Storage is an S3-backed storage.Storage. References are object keys
// relative to the configured prefix.
type Storage struct {
	client     s3iface.S3API
	bucket     string
	prefix     string
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

var _ storage.Storage = (*Storage)(nil)

// New creates an S3 storage from cfg. Static credentials are used when set,
// otherwise the default AWS credential chain applies.
func New(cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage/s3: bucket is required")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage/s3: session: %w", err)
	}
	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient creates an S3 storage on an existing client.
func NewWithClient(client s3iface.S3API, bucket, prefix string) *Storage {
	return &Storage{
		client:     client,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		downloader: s3manager.NewDownloaderWithClient(client),
		uploader:   s3manager.NewUploaderWithClient(client),
	}
}

func (s *Storage) key(ref string) string {
	clean := strings.TrimPrefix(path.Clean("/"+ref), "/")
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

// Stat implements storage.Storage. The object's ETag is reported as its hash.
func (s *Storage) Stat(ctx context.Context, ref string) (storage.FileInfo, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return storage.FileInfo{}, wrap("stat", ref, err)
	}
	return storage.FileInfo{
		Name: path.Base(ref),
		Size: aws.Int64Value(out.ContentLength),
		Hash: strings.Trim(aws.StringValue(out.ETag), `"`),
	}, nil
}

// Load implements storage.Storage.
func (s *Storage) Load(ctx context.Context, ref string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return nil, wrap("load", ref, err)
	}
	return buf.Bytes(), nil
}

// Save implements storage.Storage.
func (s *Storage) Save(ctx context.Context, tenantID string, jobID id.JobID, name string, data []byte) (string, error) {
	ref := storage.OutputRef(tenantID, jobID, name)
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(ref)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return "", wrap("save", ref, err)
	}
	return ref, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".rtf":
		return "application/rtf"
	default:
		return "application/octet-stream"
	}
}

func wrap(op, ref string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("storage/s3: %s %s: %w", op, ref, storage.ErrNotFound)
		}
	}
	return fmt.Errorf("storage/s3: %s %s: %w", op, ref, err)
}
