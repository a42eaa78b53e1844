package loader

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/page"
	"github.com/vinayprograms/traitkit/shard"
)

const unpinScript = `(function() {var implementors = {};
implementors["bytes"] = [{"text":"impl Unpin for Bytes","synthetic":true,"types":["bytes::Bytes"]}];
implementors["futures"] = [{"text":"impl&lt;Fut&gt; Unpin for Abortable&lt;Fut&gt; <span class=\"where fmt-newline\">where<br>Fut: Unpin,&nbsp;</span>","synthetic":true,"types":["futures::Abortable"]}];
if (window.register_implementors) {window.register_implementors(implementors);} else {window.pending_implementors = implementors;}})()`

const borrowScript = `(function() {var implementors = {};
implementors["smallvec"] = [{"text":"impl Borrow for SmallVec","synthetic":false,"types":["smallvec::SmallVec"]}];
})()`

const eqPayload = `{"libA":[{"traitId":"core::cmp::Eq","targetTypeId":"libA::Foo","sourceText":"impl Eq for Foo","synthetic":false}]}`

// writeTree creates files under a temp dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return root
}

// collector is a Target that records submissions.
type collector struct {
	mu   sync.Mutex
	libs map[string][]shard.Descriptor
}

func (c *collector) Submit(lib string, descs []shard.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.libs == nil {
		c.libs = make(map[string][]shard.Descriptor)
	}
	c.libs[lib] = append(c.libs[lib], descs...)
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for lib := range c.libs {
		out = append(out, lib)
	}
	sort.Strings(out)
	return out
}

// --- Unit Tests ---

func TestIsShardKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"implementors/core/marker/trait.Unpin.js", true},
		{"payloads/libA.json", true},
		{"implementors/core/marker/struct.Foo.js", false},
		{"README.md", false},
	}
	for _, tt := range tests {
		if got := IsShardKey(tt.key); got != tt.want {
			t.Errorf("IsShardKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("implementors/core/marker/trait.Unpin.js", []byte(unpinScript))
	require.NoError(t, err)
	require.Equal(t, []string{"bytes", "futures"}, p.Libraries())
	require.Equal(t, "core::marker::Unpin", p["futures"][0].TraitID)
	require.Equal(t, "futures::Abortable", p["futures"][0].TargetTypeID)

	p, err = Parse("payloads/eq.json", []byte(eqPayload))
	require.NoError(t, err)
	require.Equal(t, "core::cmp::Eq", p["libA"][0].TraitID)
}

func TestParse_JSONUnderTraitPath(t *testing.T) {
	p, err := Parse("implementors/core/cmp/trait.Ord.json",
		[]byte(`{"libA":[{"targetTypeId":"Foo","sourceText":"impl Ord for Foo"}]}`))
	require.NoError(t, err)
	require.Equal(t, "core::cmp::Ord", p["libA"][0].TraitID)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("implementors/core/struct.Foo.js", []byte(unpinScript))
	require.Error(t, err)

	_, err = Parse("payloads/bad.json", []byte(`[1,2]`))
	require.Error(t, err)

	_, err = Parse("notes.txt", []byte(`x`))
	require.Error(t, err)
}

func TestDirSource(t *testing.T) {
	root := writeTree(t, map[string]string{
		"implementors/core/marker/trait.Unpin.js":  unpinScript,
		"implementors/core/borrow/trait.Borrow.js": borrowScript,
		"payloads/eq.json":                         eqPayload,
		"index.html":                               "<html>",
	})
	src := NewDirSource(root)
	ctx := context.Background()

	keys, err := src.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"implementors/core/borrow/trait.Borrow.js",
		"implementors/core/marker/trait.Unpin.js",
		"payloads/eq.json",
	}, keys)

	data, err := src.Open(ctx, "payloads/eq.json")
	require.NoError(t, err)
	require.JSONEq(t, eqPayload, string(data))

	_, err = src.Open(ctx, "payloads/missing.json")
	require.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)

	_, err = src.Open(ctx, "../etc/passwd")
	require.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
}

func TestDirSource_MissingRoot(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).List(context.Background())
	require.True(t, errors.Is(err, errors.ErrCodeUnavailable), "got %v", err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)

	l, err := New(NewDirSource(t.TempDir()), Config{})
	require.NoError(t, err)
	require.Equal(t, 8, l.config.Concurrency)
	require.Equal(t, 1024, l.config.CacheSize)
}

// --- Integration Tests ---

func TestLoader_LoadsEveryShard(t *testing.T) {
	root := writeTree(t, map[string]string{
		"implementors/core/marker/trait.Unpin.js":  unpinScript,
		"implementors/core/borrow/trait.Borrow.js": borrowScript,
		"payloads/eq.json":                         eqPayload,
	})
	l, err := New(NewDirSource(root), DefaultConfig())
	require.NoError(t, err)

	target := &collector{}
	res, err := l.Load(context.Background(), target)
	require.NoError(t, err)

	require.Equal(t, 3, res.Keys)
	require.Equal(t, 3, res.Loaded)
	require.Zero(t, res.Failed)
	require.Equal(t, 4, res.Libraries)
	require.Equal(t, []string{"bytes", "futures", "libA", "smallvec"}, target.names())
}

func TestLoader_BadShardDoesNotStopOthers(t *testing.T) {
	root := writeTree(t, map[string]string{
		"implementors/core/marker/trait.Unpin.js": unpinScript,
		"implementors/core/cmp/trait.Eq.js":       `implementors["x"] = [{broken`,
		"payloads/eq.json":                        eqPayload,
	})
	sink := diag.NewRecorder()
	l, err := New(NewDirSource(root), Config{Sink: sink, Concurrency: 1})
	require.NoError(t, err)

	target := &collector{}
	res, err := l.Load(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, 2, res.Loaded)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{"bytes", "futures", "libA"}, target.names())
	require.Equal(t, 1, sink.Count(diag.KindShardRejected))
}

func TestLoader_CacheHits(t *testing.T) {
	root := writeTree(t, map[string]string{
		"implementors/core/marker/trait.Unpin.js": unpinScript,
	})
	l, err := New(NewDirSource(root), DefaultConfig())
	require.NoError(t, err)

	res, err := l.Load(context.Background(), &collector{})
	require.NoError(t, err)
	require.Zero(t, res.CacheHits)

	res, err = l.Load(context.Background(), &collector{})
	require.NoError(t, err)
	require.Equal(t, 1, res.CacheHits)

	// Changed content misses the cache.
	p := filepath.Join(root, "implementors", "core", "marker", "trait.Unpin.js")
	require.NoError(t, os.WriteFile(p, []byte(borrowScript), 0644))
	res, err = l.Load(context.Background(), &collector{})
	require.NoError(t, err)
	require.Zero(t, res.CacheHits)
}

// flakySource fails the first Opens of every key with code.
type flakySource struct {
	Source
	code     errors.ErrorCode
	failures int

	mu    sync.Mutex
	opens map[string]int
}

func (s *flakySource) Open(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if s.opens == nil {
		s.opens = make(map[string]int)
	}
	s.opens[key]++
	n := s.opens[key]
	s.mu.Unlock()

	if n <= s.failures {
		return nil, errors.New(s.code, "open "+key)
	}
	return s.Source.Open(ctx, key)
}

func (s *flakySource) attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[key]
}

func TestLoader_RetriesTransientOpen(t *testing.T) {
	root := writeTree(t, map[string]string{"payloads/eq.json": eqPayload})
	src := &flakySource{Source: NewDirSource(root), code: errors.ErrCodeUnavailable, failures: 2}
	sink := diag.NewRecorder()
	l, err := New(src, Config{Sink: sink, MaxRetries: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	target := &collector{}
	res, err := l.Load(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, 1, res.Loaded)
	require.Equal(t, 3, src.attempts("payloads/eq.json"))
	require.Equal(t, []string{"libA"}, target.names())
	require.Zero(t, sink.Count(""))
}

func TestLoader_GivesUpAfterMaxRetries(t *testing.T) {
	root := writeTree(t, map[string]string{"payloads/eq.json": eqPayload})
	src := &flakySource{Source: NewDirSource(root), code: errors.ErrCodeTimeout, failures: 5}
	sink := diag.NewRecorder()
	l, err := New(src, Config{Sink: sink, MaxRetries: 1, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	res, err := l.Load(context.Background(), &collector{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 2, src.attempts("payloads/eq.json"))
	require.Equal(t, 1, sink.Count(diag.KindLoadFailed))
}

func TestLoader_PermanentOpenNotRetried(t *testing.T) {
	root := writeTree(t, map[string]string{"payloads/eq.json": eqPayload})
	src := &flakySource{Source: NewDirSource(root), code: errors.ErrCodeNotFound, failures: 1}
	l, err := New(src, Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	res, err := l.Load(context.Background(), &collector{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, src.attempts("payloads/eq.json"))
}

func TestLoader_ClosedTargetStops(t *testing.T) {
	root := writeTree(t, map[string]string{
		"payloads/a.json": eqPayload,
	})
	l, err := New(NewDirSource(root), DefaultConfig())
	require.NoError(t, err)

	p := page.New()
	p.Teardown()

	_, err = l.Load(context.Background(), p)
	require.True(t, errors.Is(err, errors.ErrCodeClosed), "got %v", err)
}

func TestLoader_IntoPage(t *testing.T) {
	root := writeTree(t, map[string]string{
		"implementors/core/marker/trait.Unpin.js": unpinScript,
		"payloads/eq.json":                        eqPayload,
	})
	l, err := New(NewDirSource(root), DefaultConfig())
	require.NoError(t, err)

	// Load before the page runs: everything lands in the pending queue.
	p := page.New()
	_, err = l.Load(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 3, p.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Teardown()

	records, err := p.Query(ctx, "core::marker::Unpin")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "bytes", records[0].LibraryID)
	require.Contains(t, records[1].ConstraintText, "Fut: Unpin")
}
