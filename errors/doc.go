// Package errors provides the structured error taxonomy used across traitkit.
//
// Every failure the registry, page, loader or server can report carries a
// code and a category. Codes identify the condition (a malformed shard, a
// failing consumer callback, a closed page); categories tell callers whether
// trying again could help.
//
// # Error Codes
//
//   - MALFORMED_SHARD: shard shape validation failed, the shard was dropped
//   - CONSUMER_CALLBACK: a renderer callback returned an error or panicked
//   - CLOSED: the page was torn down
//   - UNAVAILABLE, TIMEOUT: a shard source or the bus failed; the loader
//     retries these (see IsRetryable)
//
// # Usage
//
//	err := errors.MalformedShard("libA", "record 2 has no traitId")
//	if errors.Is(err, errors.ErrCodeMalformedShard) {
//	    // drop the shard
//	}
//
// Errors carry the library and trait they concern and serialize to JSON so
// that diagnostics can travel over the bus or to a renderer:
//
//	data, _ := json.Marshal(err)
package errors
