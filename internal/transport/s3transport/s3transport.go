// Package s3transport ships clone descriptors to and from an
// S3-compatible bucket (spec §6 "transport.s3transport"), using the
// same sequence-numbered-object framing localfile uses for directory
// entries: each Send is one object keyed by a zero-padded sequence
// number under a per-clone prefix, and Recv fetches them back in
// order, polling for the next key once it's been requested before the
// copy side has produced it.
package s3transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultPollInterval = 250 * time.Millisecond

// Client is the subset of *s3.Client this package needs, so tests can
// substitute a fake without standing up a real bucket.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Transport is a bucket-and-prefix-backed descriptor stream.
type Transport struct {
	ctx          context.Context
	client       Client
	bucket       string
	prefix       string
	pollInterval time.Duration

	sendSeq uint64
	recvSeq uint64
}

// New creates a Transport against the given bucket, namespacing every
// object under prefix (typically the clone's locator-derived id, so
// multiple concurrent clones can share one bucket).
func New(ctx context.Context, client Client, bucket, prefix string) *Transport {
	return &Transport{
		ctx:          ctx,
		client:       client,
		bucket:       bucket,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

func (t *Transport) key(seq uint64) string {
	return fmt.Sprintf("%s/%010d.clonemsg", t.prefix, seq)
}

// Send uploads descriptor as the next sequence-numbered object.
func (t *Transport) Send(descriptor []byte) error {
	key := t.key(t.sendSeq)
	_, err := t.client.PutObject(t.ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(descriptor),
	})
	if err != nil {
		return fmt.Errorf("s3transport: put %s: %w", key, err)
	}
	t.sendSeq++
	return nil
}

// Recv downloads the next sequence-numbered object, polling until it
// exists.
func (t *Transport) Recv() ([]byte, error) {
	key := t.key(t.recvSeq)
	for {
		out, err := t.client.GetObject(t.ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			defer out.Body.Close()
			data, readErr := io.ReadAll(out.Body)
			if readErr != nil {
				return nil, fmt.Errorf("s3transport: read %s: %w", key, readErr)
			}
			t.recvSeq++
			return data, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("s3transport: get %s: %w", key, err)
		}
		select {
		case <-t.ctx.Done():
			return nil, fmt.Errorf("s3transport: %w", t.ctx.Err())
		case <-time.After(t.pollInterval):
		}
	}
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
