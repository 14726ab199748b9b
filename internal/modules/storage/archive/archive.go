// Package archive copies each day's captions to object storage as NDJSON.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
)

const (
	contentType = "application/x-ndjson"
	dayLayout   = "2006-01-02"
	pageSize    = 1000
)

// Uploader is the part of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Ranger interface {
	Range(ctx context.Context, topic, start, end string, count int64) ([]eventlog.Entry, error)
}

// NewS3Client builds a client for cfg. A custom endpoint targets
// S3-compatible stores such as MinIO.
func NewS3Client(cfg config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.ForcePathStyle,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(strings.TrimSuffix(endpoint, "/"))
	}
	return s3.New(opts)
}

// Result describes one archived day.
type Result struct {
	Day   string `json:"day"`
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Archiver struct {
	log    Ranger
	up     Uploader
	bucket string
	prefix string
	logger *zap.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger for the archiver.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l.Named("Archive")
		}
	}
}

func New(log Ranger, up Uploader, bucket, prefix string, opts ...Option) *Archiver {
	a := &Archiver{
		log:    log,
		up:     up,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ObjectKey is where the captions of day are stored.
func (a *Archiver) ObjectKey(day string) string {
	return path.Join(a.prefix, "captions", day+".ndjson")
}

// ArchivePreviousDay archives the UTC day before now.
func (a *Archiver) ArchivePreviousDay(ctx context.Context, now time.Time) (Result, error) {
	return a.ArchiveDay(ctx, now.UTC().AddDate(0, 0, -1))
}

// ArchiveDay uploads the captions logged during the UTC day containing
// day. Days without captions upload nothing. Re-running a day overwrites
// the object with the same content.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (Result, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	res := Result{Day: start.Format(dayLayout)}
	res.Key = a.ObjectKey(res.Day)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	from, upper := eventlog.OffsetAt(start), eventlog.OffsetBefore(start.AddDate(0, 0, 1))
	for {
		entries, err := a.log.Range(ctx, eventlog.TopicCaptions, from, upper, pageSize)
		if err != nil {
			return res, fmt.Errorf("read captions of %s: %w", res.Day, err)
		}
		for _, e := range entries {
			if err := enc.Encode(models.CaptionFromStream(e.ID, e.Fields)); err != nil {
				return res, err
			}
			res.Count++
		}
		if len(entries) < pageSize {
			break
		}
		next, ok := eventlog.NextOffset(entries[len(entries)-1].ID)
		if !ok {
			break
		}
		from = next
	}

	if res.Count == 0 {
		a.logger.Debug("no captions to archive", zap.String("day", res.Day))
		return res, nil
	}
	_, err := a.up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(res.Key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return res, fmt.Errorf("upload %s: %w", res.Key, err)
	}
	a.logger.Info("captions archived", zap.String("day", res.Day), zap.String("key", res.Key), zap.Int("count", res.Count))
	return res, nil
}
