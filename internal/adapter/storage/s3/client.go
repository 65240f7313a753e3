// Package s3 implements the object store port against any S3-compatible
// endpoint, Cloudflare R2 in production.
package s3

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/domain"
)

// Options configures the store client.
type Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Client is the object store adapter.
type Client struct {
	s3        *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// New builds a Client for the given endpoint and bucket.
func New(opts Options) *Client {
	cfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &Client{
		s3:        client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
	}
}

// PresignUpload returns a presigned PUT URL bound to the given content type
// and, when contentLength > 0, to that exact byte count. The client must send
// the returned headers verbatim or the signature fails.
func (c *Client) PresignUpload(ctx domain.Context, key, contentType string, contentLength int64, ttl time.Duration) (domain.PresignedUpload, error) {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.PresignUpload")
	defer span.End()
	span.SetAttributes(attribute.String("s3.key", key))

	in := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	headers := map[string]string{"Content-Type": contentType}
	if contentLength > 0 {
		in.ContentLength = aws.Int64(contentLength)
		headers["Content-Length"] = strconv.FormatInt(contentLength, 10)
	}
	req, err := c.presigner.PresignPutObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return domain.PresignedUpload{}, fmt.Errorf("op=store.presign_upload: %w", err)
	}
	return domain.PresignedUpload{
		URL:       req.URL,
		Headers:   headers,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// PresignDownload returns a presigned GET URL. A non-empty filename sets the
// attachment disposition so browsers save with the original name.
func (c *Client) PresignDownload(ctx domain.Context, key string, ttl time.Duration, filename string) (string, error) {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.PresignDownload")
	defer span.End()

	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}
	req, err := c.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=store.presign_download: %w", err)
	}
	return req.URL, nil
}

// Stat returns object metadata, or domain.ErrNotFound when the key is absent.
func (c *Client) Stat(ctx domain.Context, key string) (domain.ObjectInfo, error) {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.Stat")
	defer span.End()

	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.ObjectInfo{}, fmt.Errorf("op=store.stat %s: %w", key, domain.ErrNotFound)
		}
		return domain.ObjectInfo{}, fmt.Errorf("op=store.stat: %w", err)
	}
	info := domain.ObjectInfo{ContentType: aws.ToString(out.ContentType)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

// Get streams an object's bytes. The caller closes the reader.
func (c *Client) Get(ctx domain.Context, key string) (io.ReadCloser, error) {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.Get")
	defer span.End()

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("op=store.get %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=store.get: %w", err)
	}
	return out.Body, nil
}

// Put writes an object.
func (c *Client) Put(ctx domain.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.Put")
	defer span.End()
	span.SetAttributes(attribute.String("s3.key", key))

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("op=store.put: %w", err)
	}
	return nil
}

// Delete removes one object. Deleting a missing key is not an error.
func (c *Client) Delete(ctx domain.Context, key string) error {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.Delete")
	defer span.End()

	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("op=store.delete: %w", err)
	}
	return nil
}

// DeleteAll removes a batch of objects in chunks of up to 1000 keys.
func (c *Client) DeleteAll(ctx domain.Context, keys []string) error {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.DeleteAll")
	defer span.End()
	span.SetAttributes(attribute.Int("s3.keys", len(keys)))

	for len(keys) > 0 {
		batch := keys
		if len(batch) > 1000 {
			batch = keys[:1000]
		}
		keys = keys[len(batch):]

		objects := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("op=store.delete_all: %w", err)
		}
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx domain.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("op=store.ping: %w", domain.ErrStoreUnavailable)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
