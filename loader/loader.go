package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/shard"
)

// Target receives loaded shards. *page.Page satisfies it.
type Target interface {
	Submit(libraryID string, descs []shard.Descriptor) error
}

// Config configures a Loader.
type Config struct {
	// Concurrency bounds simultaneous fetches.
	// Default: 8
	Concurrency int

	// CacheSize is the number of parsed shard files kept.
	// Default: 1024
	CacheSize int

	// MaxRetries is how often a transient List or Open failure is retried.
	// Negative disables retries.
	// Default: 2
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	// Default: 200ms
	RetryBackoff time.Duration

	// Sink receives fetch and parse diagnostics.
	Sink diag.Sink

	// Logger for load summaries.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  8,
		CacheSize:    1024,
		MaxRetries:   2,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Result summarises one Load.
type Result struct {
	Keys      int
	Loaded    int
	Failed    int
	Libraries int
	CacheHits int
	Duration  time.Duration
}

// Loader fetches shards from a Source and submits them.
type Loader struct {
	src    Source
	config Config
	cache  *lru.Cache[string, shard.Payload]
	log    *logging.Logger

	// parseMu serialises parsing of one cache key so concurrent page views
	// do not parse the same file twice.
	parseMu sync.Mutex
}

// New creates a loader for src.
func New(src Source, cfg Config) (*Loader, error) {
	if src == nil {
		return nil, errors.InvalidInput("loader needs a source")
	}
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	cache, err := lru.New[string, shard.Payload](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create shard cache")
	}
	return &Loader{
		src:    src,
		config: cfg,
		cache:  cache,
		log:    cfg.Logger.WithComponent("loader"),
	}, nil
}

// Source returns the loader's source.
func (l *Loader) Source() Source { return l.src }

// Load fetches every shard and submits each library to target as soon as its
// file is parsed. It returns early only when ctx ends or target is closed.
func (l *Loader) Load(ctx context.Context, target Target) (Result, error) {
	start := time.Now()
	var keys []string
	err := l.retry(ctx, "list", func() error {
		var err error
		keys, err = l.src.List(ctx)
		return err
	})
	if err != nil {
		l.report(diag.KindLoadFailed, err, "")
		return Result{}, err
	}

	var loaded, failed, libraries, hits atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Concurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			payload, hit, err := l.fetch(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				return nil
			}
			if hit {
				hits.Add(1)
			}

			for _, lib := range payload.Libraries() {
				if err := target.Submit(lib, payload[lib]); err != nil {
					if errors.Is(err, errors.ErrCodeClosed) {
						return err
					}
					l.report(diag.KindLoadFailed, err, key)
				}
				libraries.Add(1)
			}
			loaded.Add(1)
			return nil
		})
	}

	err = g.Wait()
	res := Result{
		Keys:      len(keys),
		Loaded:    int(loaded.Load()),
		Failed:    int(failed.Load()),
		Libraries: int(libraries.Load()),
		CacheHits: int(hits.Load()),
		Duration:  time.Since(start),
	}
	l.log.LoadComplete(l.src.Name(), res.Loaded, res.Failed, res.Duration)
	if err != nil {
		return res, errors.Wrap(err, "load "+l.src.Name())
	}
	return res, nil
}

// fetch opens and parses one key, consulting the cache.
func (l *Loader) fetch(ctx context.Context, key string) (shard.Payload, bool, error) {
	var data []byte
	err := l.retry(ctx, key, func() error {
		var err error
		data, err = l.src.Open(ctx, key)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			l.report(diag.KindLoadFailed, err, key)
		}
		return nil, false, err
	}

	sum := sha256.Sum256(data)
	cacheKey := key + "@" + hex.EncodeToString(sum[:])
	if p, ok := l.cache.Get(cacheKey); ok {
		return p, true, nil
	}

	l.parseMu.Lock()
	defer l.parseMu.Unlock()
	if p, ok := l.cache.Get(cacheKey); ok {
		return p, true, nil
	}

	p, err := Parse(key, data)
	if err != nil {
		l.report(diag.KindShardRejected, errors.WrapWithCode(err, errors.ErrCodeMalformedShard, "parse "+key), key)
		return nil, false, err
	}
	l.cache.Add(cacheKey, p)
	return p, false, nil
}

// Parse turns the content of a shard file into a payload. Scripts take their
// trait id from the key; JSON payloads under a trait path get it filled in
// where descriptors omit it.
func Parse(key string, data []byte) (shard.Payload, error) {
	traitID, fromPath := shard.TraitIDFromPath(key)

	switch path.Ext(key) {
	case ".js":
		if !fromPath {
			return nil, errors.InvalidInput("script key does not name a trait: " + key)
		}
		return shard.ParseScript(traitID, data)

	case ".json":
		p, err := shard.DecodePayload(data)
		if err != nil {
			return nil, err
		}
		if fromPath {
			for _, descs := range p {
				for i := range descs {
					if descs[i].TraitID == "" {
						descs[i].TraitID = traitID
					}
				}
			}
		}
		return p, nil
	}
	return nil, errors.InvalidInput("unsupported shard file: " + key)
}

// retry runs op until it succeeds, fails with a non-retryable error or runs
// out of attempts. It returns the last error.
func (l *Loader) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; attempt <= l.config.MaxRetries; attempt++ {
		if err = op(); err == nil || !errors.IsRetryable(err) {
			return err
		}
		if attempt == l.config.MaxRetries {
			break
		}
		l.log.Debug("source_retry", logging.Fields{
			"source":  l.src.Name(),
			"key":     what,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry "+what)
		case <-time.After(time.Duration(attempt+1) * l.config.RetryBackoff):
		}
	}
	return err
}

func (l *Loader) report(kind diag.Kind, err error, key string) {
	ev := diag.FromError(kind, err)
	if key != "" {
		ev.Message = key + ": " + ev.Message
	}
	l.config.Sink.Report(ev)
}
