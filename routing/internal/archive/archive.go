package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/contact-center/routing/internal/events"
)

// Record is a message an ingestor gave up on because it can never be
// processed.
type Record struct {
	Ingestor   string
	Message    events.Message
	Reason     string
	ArchivedAt time.Time
}

// Archiver keeps poison messages out of the hot path but available for
// inspection and replay.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

type envelope struct {
	Ingestor    string    `json:"ingestor"`
	Topic       string    `json:"topic"`
	Partition   int       `json:"partition"`
	Offset      int64     `json:"offset"`
	Key         string    `json:"key"`
	Value       []byte    `json:"value"`
	MessageTime time.Time `json:"message_time"`
	Reason      string    `json:"reason"`
	ArchivedAt  time.Time `json:"archived_at"`
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes poison messages to S3 paths like:
//
//	s3://<bucket>/<prefix>/poison/YYYY/MM/DD/<topic>-<partition>-<offset>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver creates an S3Archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// ObjectKey returns where rec is stored under prefix.
func ObjectKey(prefix string, rec Record) string {
	ts := rec.ArchivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(prefix, "poison",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-%d-%d.json", rec.Message.Topic, rec.Message.Partition, rec.Message.Offset),
	)
}

func (s *S3Archiver) Archive(ctx context.Context, rec Record) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	body, err := json.Marshal(envelope{
		Ingestor:    rec.Ingestor,
		Topic:       rec.Message.Topic,
		Partition:   rec.Message.Partition,
		Offset:      rec.Message.Offset,
		Key:         string(rec.Message.Key),
		Value:       rec.Message.Value,
		MessageTime: rec.Message.Time,
		Reason:      rec.Reason,
		ArchivedAt:  rec.ArchivedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal poison envelope: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(ObjectKey(s.prefix, rec)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// LogArchiver records poison messages in the log only. It is used when no
// bucket is configured.
type LogArchiver struct {
	logger *slog.Logger
}

func NewLogArchiver(logger *slog.Logger) *LogArchiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogArchiver{logger: logger.With("component", "archive")}
}

func (l *LogArchiver) Archive(ctx context.Context, rec Record) error {
	l.logger.WarnContext(ctx, "poison message discarded",
		"ingestor", rec.Ingestor,
		"topic", rec.Message.Topic,
		"partition", rec.Message.Partition,
		"offset", rec.Message.Offset,
		"key", string(rec.Message.Key),
		"value", string(rec.Message.Value),
		"reason", rec.Reason,
	)
	return nil
}
