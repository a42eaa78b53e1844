package loader

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vinayprograms/traitkit/errors"
)

// Source provides shard files.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// List returns every shard key, sorted.
	List(ctx context.Context) ([]string, error)

	// Open returns the content stored under key.
	Open(ctx context.Context, key string) ([]byte, error)
}

// IsShardKey reports whether a key names a shard file: a .js implementor
// script or a .json payload.
func IsShardKey(key string) bool {
	switch path.Ext(key) {
	case ".js":
		return strings.HasPrefix(path.Base(key), "trait.")
	case ".json":
		return true
	}
	return false
}

// --- DirSource ---

// DirSource reads shards from a directory tree.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Name implements Source.
func (s *DirSource) Name() string { return "dir:" + s.root }

// List implements Source. Keys are slash separated paths relative to the root.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if IsShardKey(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "list "+s.root)
		}
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list "+s.root)
	}
	sort.Strings(keys)
	return keys, nil
}

// Open implements Source.
func (s *DirSource) Open(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "open "+key)
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return nil, errors.InvalidInput("invalid shard key " + key)
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "open "+key)
		}
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "open "+key)
	}
	return data, nil
}

// --- S3Source ---

// S3Config configures an S3Source.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Source reads shards from an S3 compatible bucket.
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Source creates a source for cfg.Bucket under cfg.Prefix.
func NewS3Source(cfg S3Config) (*S3Source, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.InvalidInput("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.InvalidInput("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := &minio.Options{Secure: cfg.UseSSL, Region: region}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, errors.Wrap(err, "init s3 client")
	}
	return NewS3SourceFromClient(client, bucket, cfg.Prefix), nil
}

// NewS3SourceFromClient wraps an existing MinIO client.
func NewS3SourceFromClient(client *minio.Client, bucket, prefix string) *S3Source {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// Name implements Source.
func (s *S3Source) Name() string { return "s3:" + s.bucket + "/" + s.prefix }

// List implements Source. Keys are relative to the prefix.
func (s *S3Source) List(ctx context.Context) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.WrapWithCode(obj.Err, errors.ErrCodeUnavailable, "list "+s.Name())
		}
		key := strings.TrimPrefix(obj.Key, s.prefix)
		if key != "" && IsShardKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Open implements Source.
func (s *S3Source) Open(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.prefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "open "+key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "open "+key)
		}
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "open "+key)
	}
	return data, nil
}
