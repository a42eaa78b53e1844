// Package transport carries the renderer protocol: JSON-RPC 2.0 messages
// between a page view and the client that renders it.
//
// # Overview
//
// Every transport implements the Transport interface with channel-based
// receive and queued send. The protocol on top is the same for all of them.
//
// # Available Transports
//
//   - WebSocketTransport: one browser page view per connection
//   - StdioTransport: newline-delimited JSON over pipes, for embedding hosts
//
// # Usage
//
// Register handlers on a Mux and let Serve dispatch incoming requests:
//
//	mux := transport.NewMux()
//	mux.HandleFunc("traits", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
//	    return pv.Traits(ctx)
//	})
//
//	t := transport.NewWebSocketTransport(conn, transport.DefaultWebSocketConfig())
//	go t.Run(ctx)
//	err := transport.Serve(ctx, t, mux)
//
// Server-initiated messages go through Send:
//
//	t.Send(transport.Notify("implementors.delta", n))
//
// Serve handles one message at a time, so responses leave in request order.
// Handlers returning *Error control the error object sent back; any other
// error becomes InternalError.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv channel is
// closed when the peer goes away.
package transport
