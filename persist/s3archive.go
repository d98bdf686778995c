package persist

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// S3API is the subset of *s3.Client the archiver depends on, narrowed the
// way relay/sqs.API is so tests can substitute a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes batches of events to S3 for cold storage, a
// supplement to FileStore/PostgresStore rather than a replacement: it is
// invoked explicitly by its caller (cmd/dbfeed archives every relayed
// batch), not wired as a stream.PersistHook.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archive creates an S3Archive writing objects under bucket/prefix.
func NewS3Archive(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// ArchiveSegment writes events as one wire-framed object keyed by
// prefix/label/timestamp. An empty batch writes nothing.
func (a *S3Archive) ArchiveSegment(ctx context.Context, label string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := wire.EncodeAll(&buf, events); err != nil {
		return fmt.Errorf("persist: encoding segment for archival: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.wire", a.prefix, label, time.Now().UTC().Format("20060102T150405.000000000Z"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("persist: archiving segment to s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
