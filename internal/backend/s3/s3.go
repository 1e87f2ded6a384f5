// Package s3 implements the object-store download variant. It serves both
// s3:// and obs:// sources: Huawei OBS speaks the S3 wire protocol, so the
// only difference is the endpoint override.
package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
)

const (
	dirPerm = 0o755

	// progressInterval is how many bytes go by between progress log lines.
	progressInterval = 100 * 1024 * 1024
)

const defaultRegion = "us-east-1"

// Client is the subset of the S3 API the downloader uses. It exists so tests
// can substitute a fake without a live bucket.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader fetches all objects under a bucket/prefix into a destination
// directory, skipping objects that are already present with matching size
// and checksum.
type Downloader struct {
	client     Client
	source     string
	bucket     string
	prefix     string
	maxWorkers int
}

// New builds a Downloader from an s3:// or obs:// source. Access and secret
// keys are mandatory for this variant; their absence is a CredentialError
// raised before any network I/O.
func New(ctx context.Context, source string, opts backend.Options) (*Downloader, error) {
	var missing []string
	if opts.AccessKey == "" {
		missing = append(missing, "access_key")
	}

	if opts.SecretKey == "" {
		missing = append(missing, "secret_key")
	}

	if len(missing) > 0 {
		return nil, &backend.CredentialError{Backend: "s3", Missing: missing}
	}

	bucket, prefix, err := backend.SplitBucketURL(source)
	if err != nil {
		return nil, &backend.ResolutionError{Source: source, Reason: "malformed object-store url", Err: err}
	}

	region := opts.Region
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, &backend.ResolutionError{Source: source, Reason: "failed to load object-store configuration", Err: err}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, source, bucket, prefix, opts.MaxWorkers), nil
}

// NewWithClient builds a Downloader around an existing client.
func NewWithClient(client Client, source, bucket, prefix string, maxWorkers int) *Downloader {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	return &Downloader{
		client:     client,
		source:     source,
		bucket:     bucket,
		prefix:     prefix,
		maxWorkers: maxWorkers,
	}
}

func (d *Downloader) Name() string { return "s3" }

// Bucket returns the bucket the source resolved to.
func (d *Downloader) Bucket() string { return d.bucket }

// Prefix returns the object prefix the source resolved to.
func (d *Downloader) Prefix() string { return d.prefix }

// Fetch lists every object under the bucket/prefix, paginating as needed,
// and downloads the ones not already present locally.
func (d *Downloader) Fetch(ctx context.Context, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("bucket", d.bucket, "prefix", d.prefix)

	logger.Info("downloading model from object store", "source", d.source)

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	var objects []types.Object

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return d.classify("list_objects", err)
		}

		objects = append(objects, page.Contents...)
	}

	if len(objects) == 0 {
		logger.Warn("no objects found under prefix")

		return nil
	}

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.maxWorkers)

	for i := range objects {
		obj := objects[i]

		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}

		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			return d.downloadObject(ctx, obj, destDir)
		})
	}

	if err := wg.Wait(); err != nil {
		return err
	}

	logger.Info("object store download completed", "dest", destDir, "object_count", len(objects))

	return nil
}

func (d *Downloader) downloadObject(ctx context.Context, obj types.Object, destDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	key := aws.ToString(obj.Key)

	rel := strings.TrimPrefix(strings.TrimPrefix(key, d.prefix), "/")
	if rel == "" {
		rel = filepath.Base(key)
	}

	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return &backend.TransferError{
			Backend: d.Name(),
			Op:      "get_object",
			Err:     fmt.Errorf("object key %q escapes the destination directory", key),
		}
	}

	targetPath := filepath.Join(destDir, rel)

	if alreadyPresent(targetPath, obj) {
		logger.Debug("object already present, skipping", "key", key, "target", targetPath)

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return d.classify("get_object", err)
	}

	defer out.Body.Close()

	size := aws.ToInt64(obj.Size)
	logger.Info("downloading object", "key", key, "size", humanize.Bytes(uint64(size)))

	f, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	defer f.Close()

	pr := backend.NewProgressReader(out.Body, size, progressInterval, func(written, total int64) {
		logger.Debug("object download progress",
			"key", key,
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)))
	})

	if _, err := io.Copy(f, pr); err != nil {
		return &backend.TransferError{Backend: d.Name(), Op: "get_object", Err: err}
	}

	return nil
}

// classify maps storage client failures onto the error taxonomy so the
// caller can tell credential problems from transient network problems.
func (d *Downloader) classify(op string, err error) error {
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return &backend.TransferError{Backend: d.Name(), Op: op, Err: fmt.Errorf("bucket %q does not exist: %w", d.bucket, err)}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		return &backend.TransferError{Backend: d.Name(), Op: op, Err: fmt.Errorf("access denied to bucket %q, check credentials: %w", d.bucket, err)}
	}

	return &backend.TransferError{Backend: d.Name(), Op: op, Err: err}
}

// alreadyPresent reports whether the local file matches the remote object by
// size and, where the ETag is a plain MD5 (single-part uploads), by content
// checksum.
func alreadyPresent(targetPath string, obj types.Object) bool {
	info, err := os.Stat(targetPath)
	if err != nil || info.Size() != aws.ToInt64(obj.Size) {
		return false
	}

	etag := strings.Trim(aws.ToString(obj.ETag), `"`)
	if etag == "" || strings.Contains(etag, "-") {
		// Multipart ETags are not content digests; size match is the
		// best identity check available.
		return true
	}

	sum, err := fileMD5(targetPath)
	if err != nil {
		return false
	}

	return sum == etag
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}

	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
