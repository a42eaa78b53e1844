// Package serve exposes page views to renderers over JSON-RPC.
//
// Each connection is one page view. The Handler creates a page.Page for it,
// registers the page with the intake relay, starts the shard loader against
// it and then answers the renderer's requests:
//
//	attach  {traitId}             -> {attachmentId, traitId}
//	detach  {attachmentId}        -> {detached}
//	query   {traitId}             -> {traitId, records}
//	traits                        -> {traits}
//	stats                         -> registry counters
//	submit  {libraryId, descriptors} or {traitId, script} -> {libraries}
//
// An attachment's deliveries arrive as notifications named
// implementors.snapshot and implementors.delta whose params are the registry
// notification plus the attachmentId. The snapshot of an attachment is sent
// before the attach response.
//
// With WithLimiter, submit is bounded per page view and fails with the
// Unavailable code once the view's bucket is empty.
//
// When the renderer disconnects, or the handler is shut down, the session's
// attachments are released and the page is torn down.
package serve
