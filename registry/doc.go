// Package registry merges implementor shards into per-trait buckets and
// streams them to renderers.
//
// # Overview
//
// A Registry is created once per page view. Shards arrive in any order and
// are merged into a bucket per trait id. Every bucket is deduplicated by record
// identity and re-sorted after each merge, so its final contents do not depend
// on arrival order.
//
// # Basic Usage
//
// Submit shards as they load:
//
//	reg := registry.New(registry.WithSink(sink))
//	err := reg.Submit("libA", []shard.Descriptor{
//	    {TraitID: "Eq", TargetTypeID: "Foo", SourceText: "impl Eq for Foo"},
//	})
//
// Attach a renderer for the trait on display:
//
//	att, _ := reg.Attach("Eq", registry.ConsumerFunc(func(n registry.Notification) error {
//	    switch n.Kind {
//	    case registry.KindSnapshot:
//	        // n.Records is the whole bucket
//	    case registry.KindDelta:
//	        // n.Records were just added, at n.Positions; indexes in
//	        // n.Replaced swap out the stored record with the same identity
//	    }
//	    return nil
//	}))
//	defer att.Detach()
//
// The first notification is always the snapshot, delivered before Attach
// returns, even when the bucket is still empty. Deltas follow in submission
// order and carry each record exactly once.
//
// # Failures
//
// A malformed shard is rejected whole and reported to the diagnostic sink; no
// bucket is touched. Resubmitting records already merged is a no-op and only
// reaches the debug log. When records share an identity but differ elsewhere,
// the one shard.Prefer ranks lowest is kept, whatever the arrival order. A
// consumer that returns an error or panics is reported and skipped; the other
// consumers still receive the notification.
//
// # Threading
//
// Registry is not safe for concurrent use. It expects a single owner that
// runs every call to completion, such as the event loop in package page. A
// Submit issued from inside a consumer callback is queued and merged once the
// current delivery finishes.
package registry
