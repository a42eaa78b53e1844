package page

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/registry"
	"github.com/vinayprograms/traitkit/shard"
)

// Page is one page view: a registry, its pending queue and its event loop.
type Page struct {
	id   string
	sink diag.Sink
	log  *logging.Logger

	mu      sync.Mutex
	pending []submission
	events  []func(*registry.Registry)
	started bool
	closed  bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loopID is the goroutine running Run, 0 when no loop runs. reg is only
	// touched from that goroutine.
	loopID atomic.Uint64
	reg    *registry.Registry
}

type submission struct {
	libraryID string
	descs     []shard.Descriptor
}

// Option configures a Page.
type Option func(*Page)

// WithID overrides the generated page view id.
func WithID(id string) Option {
	return func(p *Page) {
		if id != "" {
			p.id = id
		}
	}
}

// WithSink sets the diagnostic sink handed to the registry.
func WithSink(sink diag.Sink) Option {
	return func(p *Page) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(p *Page) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a page view. Nothing runs until Run is called.
func New(opts ...Option) *Page {
	p := &Page{
		id:   uuid.NewString(),
		sink: diag.Discard,
		log:  logging.Discard(),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithPageID(p.id)
	return p
}

// ID returns the page view id.
func (p *Page) ID() string { return p.id }

// Done is closed once the page has been torn down.
func (p *Page) Done() <-chan struct{} { return p.done }

// Submit hands one library's descriptors to the registry. Before Run the
// submission is queued; afterwards it is merged on the loop. Validation
// failures are reported to the diagnostic sink, not returned.
func (p *Page) Submit(libraryID string, descs []shard.Descriptor) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Closed("page torn down", errors.WithLibraryID(libraryID))
	}
	if !p.started {
		p.pending = append(p.pending, submission{libraryID: libraryID, descs: descs})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.post(func(reg *registry.Registry) {
		// Rejections reach the diagnostic sink.
		_ = reg.Submit(libraryID, descs)
	})
}

// SubmitPayload submits every library of a payload, in sorted library order.
func (p *Page) SubmitPayload(payload shard.Payload) error {
	for _, lib := range payload.Libraries() {
		if err := p.Submit(lib, payload[lib]); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of submissions waiting for Run.
func (p *Page) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run creates the registry, drains pending submissions in arrival order and
// then executes posted work until ctx is done or Teardown is called. The
// registry is discarded when Run returns.
func (p *Page) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Closed("page torn down")
	}
	if p.started {
		p.mu.Unlock()
		return errors.InvalidInput("page already running")
	}
	p.started = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	start := time.Now()
	reg := registry.New(
		registry.WithSink(p.sink),
		registry.WithLogger(p.log),
		registry.WithPageID(p.id),
	)
	p.reg = reg
	p.loopID.Store(goroutineID())
	defer func() {
		p.loopID.Store(0)
		reg.Close()
		p.shutdown()
		p.log.PageTeardown(time.Since(start))
	}()

	p.log.PageStart(len(pending))
	for _, s := range pending {
		_ = reg.Submit(s.libraryID, s.descs)
	}
	if len(pending) > 0 {
		p.sink.Report(diag.Event{
			Kind:    diag.KindPendingDrained,
			PageID:  p.id,
			Message: fmt.Sprintf("drained %d pending submissions", len(pending)),
			Time:    time.Now(),
		})
	}

	for {
		// Work posted before Run, or while the previous batch ran, is
		// picked up without waiting for a wake signal.
		p.runEvents(reg)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		case <-p.wake:
		}
	}
}

// runEvents executes queued work one item at a time until the queue is empty
// or the page is stopping.
func (p *Page) runEvents(reg *registry.Registry) {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		if len(p.events) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.events[0]
		p.events[0] = nil
		p.events = p.events[1:]
		p.mu.Unlock()

		fn(reg)
	}
}

// Teardown ends the page view. It is safe to call more than once and from
// any goroutine. Pending and queued work is dropped.
func (p *Page) Teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pending = nil
	p.events = nil
	started := p.started
	p.mu.Unlock()

	close(p.stop)
	if !started {
		p.shutdown()
	}
}

func (p *Page) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.events = nil
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.done) })
}

// post queues fn for the loop without waiting for it.
func (p *Page) post(fn func(*registry.Registry)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Closed("page torn down")
	}
	p.events = append(p.events, fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// call runs fn on the loop and waits for its result. A caller already on
// the loop, such as a consumer callback, runs fn directly.
func (p *Page) call(ctx context.Context, fn func(*registry.Registry) error) error {
	if id := p.loopID.Load(); id != 0 && id == goroutineID() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "page loop call")
		}
		return fn(p.reg)
	}

	errc := make(chan error, 1)
	if err := p.post(func(reg *registry.Registry) { errc <- fn(reg) }); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for page loop")
	case <-p.done:
		select {
		case err := <-errc:
			return err
		default:
			return errors.Closed("page torn down")
		}
	}
}

// Attach registers c for traitID. The snapshot has been delivered when Attach
// returns without error.
func (p *Page) Attach(ctx context.Context, traitID string, c registry.Consumer) (*Attachment, error) {
	if c == nil {
		return nil, errors.InvalidInput("attach needs a consumer", errors.WithTraitID(traitID))
	}
	a := &Attachment{page: p, traitID: traitID}
	wrapped := registry.ConsumerFunc(func(n registry.Notification) error {
		if a.stopped.Load() {
			return nil
		}
		return c.Notify(n)
	})

	err := p.call(ctx, func(reg *registry.Registry) error {
		inner, err := reg.Attach(traitID, wrapped)
		if err != nil {
			return err
		}
		a.inner = inner
		a.id = inner.ID()
		return nil
	})
	if err != nil {
		// The registry may still attach if the wait was abandoned.
		a.Detach()
		return nil, err
	}
	return a, nil
}

// Query returns a snapshot copy of the bucket for traitID.
func (p *Page) Query(ctx context.Context, traitID string) ([]shard.Record, error) {
	var out []shard.Record
	err := p.call(ctx, func(reg *registry.Registry) error {
		out = reg.Query(traitID)
		return nil
	})
	return out, err
}

// Traits returns the traits with merged records.
func (p *Page) Traits(ctx context.Context) ([]string, error) {
	var out []string
	err := p.call(ctx, func(reg *registry.Registry) error {
		out = reg.Traits()
		return nil
	})
	return out, err
}

// Stats returns the registry counters.
func (p *Page) Stats(ctx context.Context) (registry.Stats, error) {
	var out registry.Stats
	err := p.call(ctx, func(reg *registry.Registry) error {
		out = reg.Stats()
		return nil
	})
	return out, err
}

// Attachment is a page-level attachment handle. Unlike the registry handle
// it may be used from any goroutine.
type Attachment struct {
	page    *Page
	traitID string
	id      string
	inner   *registry.Attachment
	stopped atomic.Bool
}

// ID returns the attachment id.
func (a *Attachment) ID() string { return a.id }

// TraitID returns the trait the consumer is attached to.
func (a *Attachment) TraitID() string { return a.traitID }

// Detach stops deliveries immediately and releases the registry attachment
// on the loop. It is idempotent.
func (a *Attachment) Detach() {
	if a.stopped.Swap(true) {
		return
	}
	_ = a.page.post(func(*registry.Registry) {
		if a.inner != nil {
			a.inner.Detach()
		}
	})
}
