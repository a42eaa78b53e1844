// Package ratelimit throttles shard submissions.
//
// A renderer session may push shards through its submit method and any
// client may POST envelopes to the server's publish endpoint. Both are
// bounded by a MemoryLimiter keyed by page view id or remote host:
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
//	    Capacity: 100,
//	    Window:   time.Second,
//	})
//
//	if !limiter.Allow(pageID) {
//	    return errors.New(errors.ErrCodeUnavailable, "submit rate exceeded")
//	}
//	defer limiter.Forget(pageID) // when the page view ends
//
// Each key owns a token bucket that starts full and refills continuously
// at Capacity per Window. Wait blocks for the next token instead of
// failing.
package ratelimit
