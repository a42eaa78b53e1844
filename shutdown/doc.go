// Package shutdown orders the teardown of a traitserve process.
//
// Handlers register against a phase. Shutdown runs phases in ascending order
// and the handlers of one phase concurrently, so renderer connections stop
// before page views are torn down, and page views before the bus they were
// fed from:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("http", shutdown.PhaseListener, srv.Shutdown)
//	coord.RegisterFunc("views", shutdown.PhaseViews, sessions.OnShutdown)
//	coord.RegisterFunc("nats", shutdown.PhaseBus, func(context.Context) error { return mb.Close() })
//
//	ctx, stop := shutdown.SignalContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	coord.ShutdownWithTimeout(0)
//
// A failing or panicking handler is recorded in the Result and, with
// ContinueOnError, does not stop later phases. When the context expires
// between phases the remaining phases are skipped and ErrTimeout is returned.
package shutdown
