// Package objectstore mirrors finished HLS packages to an S3-compatible
// bucket so a CDN can serve them without touching the origin filesystem.
package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client the mirror needs. *s3.Client
// satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes the target bucket. Endpoint and static credentials are for
// S3-compatible stores such as MinIO; leave them empty to use the default AWS
// credential chain.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Logger          *slog.Logger
}

// Mirror uploads packaged output directories object by object.
type Mirror struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// New connects to the configured bucket.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(strings.TrimSpace(cfg.Region)),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(endpoint))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			},
		}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wires a mirror over an existing client. Tests use it with a
// fake putter.
func NewWithClient(client ObjectPutter, cfg Config) *Mirror {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		logger: logger,
	}
}

// MirrorAsset uploads every file under dir to <prefix>/<assetID>/..., keyed
// by path relative to dir. It returns the number of objects uploaded.
func (m *Mirror) MirrorAsset(ctx context.Context, assetID, dir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := m.putFile(ctx, m.objectKey(assetID, relPath), path); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("mirror asset %s: %w", assetID, err)
	}
	m.logger.Info("asset mirrored", "asset_id", assetID, "objects", uploaded, "bucket", m.bucket)
	return uploaded, nil
}

func (m *Mirror) objectKey(assetID, relPath string) string {
	parts := []string{assetID, relPath}
	if m.prefix != "" {
		parts = append([]string{m.prefix}, parts...)
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func (m *Mirror) putFile(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentTypeFor(path)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
