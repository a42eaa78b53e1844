// Package loader fetches implementor shards from a Source and submits them to
// a page.
//
// Shards are fetched concurrently and submitted as each one completes, so the
// order a page sees them in is arbitrary, exactly like script tags loading
// over a network. A Source lists keys and opens them:
//
//   - DirSource walks a local rustdoc output tree (implementors/**/trait.*.js)
//     and JSON payload files.
//   - S3Source reads the same layout from an S3 compatible bucket via MinIO.
//
// Parsed payloads are cached by key and content hash, so every page view
// after the first skips parsing.
//
//	l, _ := loader.New(loader.NewDirSource("docs"), loader.DefaultConfig())
//	res, err := l.Load(ctx, p)
//
// A shard that cannot be fetched or parsed is reported as a diagnostic and
// skipped; the remaining shards still load.
package loader
