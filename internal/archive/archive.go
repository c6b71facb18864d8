// Package archive writes purged delivery records to S3 as zstd-compressed
// JSON Lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"birthdaygreeter/internal/types"
)

// S3PutClient abstracts the S3 PutObject operation for testability.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads batches of delivery records to a bucket.
type Archiver struct {
	client S3PutClient
	bucket string
	logger types.Logger
}

// NewArchiver creates an Archiver for bucket.
func NewArchiver(client S3PutClient, bucket string, logger types.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, logger: logger}
}

// ObjectKey returns deliveries/YYYY/MM/DD/{jobID}.jsonl.zst for the UTC day
// of at.
func ObjectKey(at time.Time, jobID string) string {
	return fmt.Sprintf("deliveries/%s/%s.jsonl.zst", at.UTC().Format("2006/01/02"), jobID)
}

// Archive writes records to one object and returns its key. An empty batch
// writes nothing and returns "".
func (a *Archiver) Archive(ctx context.Context, jobID string, at time.Time, records []types.DeliveryRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	body, err := Encode(records)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStorage, "failed to encode archive", err)
	}

	key := ObjectKey(at, jobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStorage,
			fmt.Sprintf("failed to upload archive s3://%s/%s", a.bucket, key), err)
	}

	a.logger.Info("archived delivery records",
		"bucket", a.bucket,
		"key", key,
		"records", len(records),
		"bytes", len(body),
	)
	return key, nil
}

// Encode renders records as zstd-compressed JSON Lines.
func Encode(records []types.DeliveryRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	jw := json.NewEncoder(enc)
	for i := range records {
		if err := jw.Encode(&records[i]); err != nil {
			enc.Close()
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(r io.Reader) ([]types.DeliveryRecord, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []types.DeliveryRecord
	jd := json.NewDecoder(dec)
	for jd.More() {
		var rec types.DeliveryRecord
		if err := jd.Decode(&rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
