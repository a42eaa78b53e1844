// Package page scopes a Registry to one page view.
//
// A Page owns the registry for its lifetime and serialises every call to it
// on a single event loop goroutine. Shard loaders may call Submit from any
// goroutine and at any time, including before the loop has started:
//
//	p := page.New(page.WithSink(sink))
//	go loader.Load(ctx, p)      // may submit before Run
//	go p.Run(ctx)
//
//	att, _ := p.Attach(ctx, "core::cmp::Eq", consumer)
//	...
//	p.Teardown()                // navigation
//
// Submissions made before Run are held in a pending queue and merged, in
// arrival order, when Run creates the registry. After Teardown every call
// fails with a CLOSED error and the registry is discarded.
//
// Consumer callbacks run on the loop goroutine. Attach, Query, Traits and
// Stats called from a callback run inline rather than waiting for the loop;
// Submit and Attachment.Detach are queued as usual.
package page
