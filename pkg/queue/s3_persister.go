package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyerr "github.com/aws/smithy-go"

	coretypes "github.com/S-Corkum/orchestrator-core/pkg/types"
)

// S3Config configures an S3Persister, grounded on the teacher's
// internal/storage.S3Config shape narrowed to what a single-object
// snapshot read/write needs.
type S3Config struct {
	Region         string
	Bucket         string
	Key            string // defaults to "orchestrator/queue-snapshot.json"
	Endpoint       string
	ForcePathStyle bool
}

// S3Persister implements Persister against a single object in S3,
// uploaded/downloaded through the AWS SDK's managed uploader/downloader
// the same way the teacher's S3Client does for larger blobs.
type S3Persister struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	key        string
}

// NewS3Persister creates an S3Persister.
func NewS3Persister(ctx context.Context, cfg S3Config) (*S3Persister, error) {
	var options []func(*config.LoadOptions) error
	options = append(options, config.WithRegion(cfg.Region))
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, o ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true, SigningRegion: cfg.Region}, nil
		})
		options = append(options, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) { o.UsePathStyle = true })
	}
	client := s3.NewFromConfig(awsCfg, s3Options...)

	key := cfg.Key
	if key == "" {
		key = "orchestrator/queue-snapshot.json"
	}

	return &S3Persister{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		key:        key,
	}, nil
}

// Save uploads the pending+deadLetter snapshot as one JSON object.
func (p *S3Persister) Save(pending []*coretypes.QueueItem, deadLetter []*coretypes.QueueItem) error {
	data, err := json.Marshal(snapshot{Pending: pending, DeadLetter: deadLetter})
	if err != nil {
		return fmt.Errorf("failed to marshal queue snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload queue snapshot: %w", err)
	}
	return nil
}

// Load downloads and deserializes the last-saved snapshot. A missing
// object is not an error: it returns two empty slices.
func (p *S3Persister) Load() ([]*coretypes.QueueItem, []*coretypes.QueueItem, error) {
	buf := manager.NewWriteAtBuffer([]byte{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := p.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var apiErr smithyerr.APIError
		if errors.As(err, &noSuchKey) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound") {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to download queue snapshot: %w", err)
	}

	var s snapshot
	if err := json.Unmarshal(buf.Bytes(), &s); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to unmarshal queue snapshot: %w", err)
	}
	return s.Pending, s.DeadLetter, nil
}
