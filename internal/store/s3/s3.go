package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

// Object layout under Prefix:
//
//	<prefix>/<hash>/meta.json
//	<prefix>/<hash>/<offset hex16>.bin
const (
	metaObject  = "meta.json"
	chunkSuffix = ".bin"
)

type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Profile   string
	Endpoint  string
	PathStyle bool
}

type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	closed     atomic.Bool
}

func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store requires bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client *s3.Client, cfg Config) *S3Store {
	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 2 * utils.DefaultBufferSize
			u.Concurrency = 4
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = 2 * utils.DefaultBufferSize
			d.Concurrency = 4
		}),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Store) entryPrefix(hash string) string {
	return path.Join(s.prefix, hash) + "/"
}

func (s *S3Store) metaKey(hash string) string {
	return s.entryPrefix(hash) + metaObject
}

func (s *S3Store) chunkKey(hash string, offset int64) string {
	return fmt.Sprintf("%s%016x%s", s.entryPrefix(hash), offset, chunkSuffix)
}

func offsetFromKey(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasSuffix(name, chunkSuffix) {
		return 0, false
	}
	offset, err := strconv.ParseInt(strings.TrimSuffix(name, chunkSuffix), 16, 64)
	return offset, err == nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

func (s *S3Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	return ctx.Err()
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.uploader.Upload(ctx, input)
	return err
}

func (s *S3Store) getMeta(ctx context.Context, hash string) (store.Meta, error) {
	var meta store.Meta
	raw, err := s.get(ctx, s.metaKey(hash))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("error decoding meta: %w", err)
	}
	return meta, nil
}

func (s *S3Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (s *S3Store) Load(ctx context.Context, url string) (*store.Object, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	hash := utils.CacheKey(url)
	meta, err := s.getMeta(ctx, hash)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, s.entryPrefix(hash))
	if err != nil {
		return nil, err
	}
	obj := &store.Object{Meta: meta}
	for _, key := range keys {
		offset, ok := offsetFromKey(key)
		if !ok {
			continue
		}
		data, err := s.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("error downloading chunk %s: %w", key, err)
		}
		obj.Chunks = append(obj.Chunks, store.Chunk{Offset: offset, Data: data})
	}
	log.Debug().Str("op", "store/s3").Str("url", url).Msgf("Loaded %d chunks", len(obj.Chunks))
	return obj, nil
}

// WriteChunk uploads the chunk before the meta so a listed entry always has
// its meta readable once any chunk exists.
func (s *S3Store) WriteChunk(ctx context.Context, meta store.Meta, offset int64, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	hash := utils.CacheKey(meta.URL)
	prev, err := s.getMeta(ctx, hash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("error reading meta: %w", err)
	}
	merged := store.MergeMeta(prev, meta)
	if err := s.put(ctx, s.chunkKey(hash, offset), data, "application/octet-stream"); err != nil {
		return fmt.Errorf("error uploading chunk: %w", err)
	}
	metaBytes, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("error encoding meta: %w", err)
	}
	if err := s.put(ctx, s.metaKey(hash), metaBytes, "application/json"); err != nil {
		return fmt.Errorf("error uploading meta: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, url string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	keys, err := s.keys(ctx, s.entryPrefix(utils.CacheKey(url)))
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		batch := keys[start:min(start+1000, len(keys))]
		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("error deleting objects: %w", err)
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]store.Meta, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	keys, err := s.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var metas []store.Meta
	for _, key := range keys {
		if path.Base(key) != metaObject {
			continue
		}
		raw, err := s.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("error downloading %s: %w", key, err)
		}
		var meta store.Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			log.Warn().Str("op", "store/s3").Msgf("Skipping unreadable meta %s: %v", key, err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}
