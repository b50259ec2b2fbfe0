package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Backend names a Store implementation.
type Backend string

const (
	Local  Backend = "local"
	Memory Backend = "memory"
	Minio  Backend = "minio"
	S3     Backend = "s3"
)

// Options selects and configures the artifact store.
type Options struct {
	Backend Backend `yaml:"backend"`
	// Dir is the root of the local backend.
	Dir string `yaml:"dir"`

	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// Endpoint is the MinIO host:port, or an optional S3 endpoint override.
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`

	Compression Compression `yaml:"compression"`
}

// DefaultOptions writes zstd-compressed artifacts below ./results.
func DefaultOptions() Options {
	return Options{Backend: Local, Dir: "results", Compression: Zstd}
}

// Validate checks that the backend has what it needs.
func (o Options) Validate() error {
	switch o.Backend {
	case Local:
		if o.Dir == "" {
			return errors.New("local artifact store needs a directory")
		}
	case Memory:
	case Minio:
		if o.Endpoint == "" || o.Bucket == "" {
			return errors.New("minio artifact store needs an endpoint and a bucket")
		}
	case S3:
		if o.Bucket == "" {
			return errors.New("s3 artifact store needs a bucket")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", o.Backend)
	}
	if o.Compression > Zstd {
		return fmt.Errorf("unknown compression %d", uint8(o.Compression))
	}
	return nil
}

// Open connects to the configured store.
func Open(ctx context.Context, o Options) (Store, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	switch o.Backend {
	case Memory:
		return NewMemoryStore(), nil
	case Minio:
		client, err := minio.New(o.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
			Secure: o.UseSSL,
			Region: o.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return NewMinioStore(client, o.Bucket, o.Prefix), nil
	case S3:
		var opts []func(*awsconfig.LoadOptions) error
		if o.Region != "" {
			opts = append(opts, awsconfig.WithRegion(o.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg, func(so *s3.Options) {
			if o.Endpoint != "" {
				so.BaseEndpoint = aws.String(o.Endpoint)
				so.UsePathStyle = true
			}
		})
		return NewS3Store(client, o.Bucket, o.Prefix), nil
	default:
		return NewLocalStore(o.Dir)
	}
}
