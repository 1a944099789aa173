// Package archive stores raw GovTalk requests and responses in S3 for HMRC audit purposes.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/claimbot/claimbot/pkg/common/logger"
	"github.com/google/uuid"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each batch as one JSON-lines object per stream.
type S3Sink struct {
	client putObjectAPI
	bucket string
	prefix string
}

func NewS3Sink(ctx context.Context, region, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return &S3Sink{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

type line struct {
	Kind          string    `json:"gift_aid_message"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Time          time.Time `json:"time"`
	Body          string    `json:"body"`
}

func (s *S3Sink) Put(ctx context.Context, records []logger.ArchiveRecord) error {
	byStream := make(map[string][]logger.ArchiveRecord)
	var order []string
	for _, r := range records {
		if _, ok := byStream[r.Stream]; !ok {
			order = append(order, r.Stream)
		}
		byStream[r.Stream] = append(byStream[r.Stream], r)
	}

	for _, stream := range order {
		batch := byStream[stream]
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range batch {
			if err := enc.Encode(line{Kind: r.Kind, TransactionID: r.TransactionID, Time: r.Time.UTC(), Body: r.Body}); err != nil {
				return fmt.Errorf("encode archive record: %w", err)
			}
		}

		key := s.objectKey(stream, batch[0].Time)
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

func (s *S3Sink) objectKey(stream string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%s.jsonl", at.Format("20060102T150405.000Z"), uuid.New().String())
	return path.Join(s.prefix, stream, at.Format("2006/01/02"), name)
}
