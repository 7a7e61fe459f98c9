package chunk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/cluso-chainindex/pkg/logging"
)

// MirrorConfig configures the optional object-store mirror for published
// chunks.
type MirrorConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom endpoint for S3-compatible stores, empty for AWS
	AccessKey string
	SecretKey string
}

// Mirror uploads published chunk files and the manifest to an object store.
// Uploads are best-effort and asynchronous: local publish never waits on the
// mirror, and a failed upload is retried when the file is enqueued again or
// dropped with a logged warning. Chunk immutability makes re-upload safe.
type Mirror struct {
	cfg    MirrorConfig
	client *s3.Client
	logger *logging.Logger

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMirror builds an S3 mirror and starts its upload worker.
func NewMirror(ctx context.Context, cfg MirrorConfig, logger *logging.Logger) (*Mirror, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	workerCtx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		cfg:    cfg,
		client: client,
		logger: logger.With(logging.Component("chunk-mirror")),
		queue:  make(chan string, 64),
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.worker(workerCtx)
	return m, nil
}

// Enqueue schedules files for upload. Never blocks: when the queue is full
// the upload is skipped and retried on the next publish of the manifest.
func (m *Mirror) Enqueue(paths ...string) {
	for _, p := range paths {
		select {
		case m.queue <- p:
		default:
			m.logger.Warn("mirror queue full, skipping upload", logging.Path(p))
		}
	}
}

func (m *Mirror) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case path := <-m.queue:
			if err := m.upload(ctx, path); err != nil {
				m.logger.Error("chunk upload failed", logging.Path(path), logging.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := filepath.Base(path)
	if m.cfg.Prefix != "" {
		key = m.cfg.Prefix + "/" + key
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.cfg.Bucket, key, err)
	}

	m.logger.Debug("uploaded to object store", logging.String("key", key))
	return nil
}

// Close stops the upload worker. Queued uploads not yet started are dropped.
func (m *Mirror) Close() {
	m.cancel()
	m.wg.Wait()
}
