package serve

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/intake"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/page"
	"github.com/vinayprograms/traitkit/registry"
	"github.com/vinayprograms/traitkit/shard"
	"github.com/vinayprograms/traitkit/transport"
)

// Notification methods sent to the renderer.
const (
	MethodSnapshot = "implementors.snapshot"
	MethodDelta    = "implementors.delta"
)

// NotificationParams is the params object of a snapshot or delta.
type NotificationParams struct {
	AttachmentID string `json:"attachmentId"`
	registry.Notification
}

// Session is one page view served to one renderer.
type Session struct {
	h    *Handler
	page *page.Page
	t    transport.Transport
	mux  *transport.Mux
	log  *logging.Logger

	mu          sync.Mutex
	attachments map[string]*page.Attachment

	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(h *Handler, t transport.Transport) *Session {
	p := page.New(page.WithSink(h.config.Sink), page.WithLogger(h.config.Logger))
	s := &Session{
		h:           h,
		page:        p,
		t:           t,
		mux:         transport.NewMux(),
		log:         h.log.WithPageID(p.ID()),
		attachments: make(map[string]*page.Attachment),
		stop:        make(chan struct{}),
	}
	s.mux.HandleFunc("attach", s.attach)
	s.mux.HandleFunc("detach", s.detach)
	s.mux.HandleFunc("query", s.query)
	s.mux.HandleFunc("traits", s.traits)
	s.mux.HandleFunc("stats", s.stats)
	s.mux.HandleFunc("submit", s.submit)
	return s
}

// ID returns the page view id.
func (s *Session) ID() string { return s.page.ID() }

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// run feeds the page, serves requests and tears everything down when the
// renderer goes away.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	s.log.Info("session_open")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.t.Run(gctx) })
	g.Go(func() error { return s.page.Run(gctx) })
	if s.h.loader != nil {
		g.Go(func() error {
			if _, err := s.h.loader.Load(gctx, s.page); err != nil && !errors.Is(err, errors.ErrCodeClosed) {
				s.log.Warn("session_load_failed", logging.Fields{"error": err.Error()})
			}
			return nil
		})
	}
	if s.h.relay != nil {
		s.h.relay.Add(s.ID(), s.page)
	}

	err := transport.Serve(gctx, s.t, s.mux)

	if s.h.relay != nil {
		s.h.relay.Remove(s.ID())
	}
	if s.h.limiter != nil {
		s.h.limiter.Forget(s.ID())
	}
	s.detachAll()
	s.page.Teardown()
	cancel()
	s.t.Close()
	g.Wait()

	s.log.Info("session_close", logging.Fields{"duration": time.Since(start).String()})
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Session) detachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.attachments {
		a.Detach()
		delete(s.attachments, id)
	}
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.h.config.CallTimeout)
}

type traitParams struct {
	TraitID string `json:"traitId"`
}

type attachmentParams struct {
	AttachmentID string `json:"attachmentId"`
}

func (s *Session) attach(ctx context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var params traitParams
	if err := decode(raw, &params); err != nil {
		return nil, err
	}
	if params.TraitID == "" {
		return nil, rpcError(errors.InvalidInput("attach needs a traitId"))
	}

	id := uuid.NewString()
	consumer := registry.ConsumerFunc(func(n registry.Notification) error {
		method := MethodDelta
		if n.Kind == registry.KindSnapshot {
			method = MethodSnapshot
		}
		return s.t.Send(transport.Notify(method, NotificationParams{AttachmentID: id, Notification: n}))
	})

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	a, err := s.page.Attach(ctx, params.TraitID, consumer)
	if err != nil {
		return nil, rpcError(err)
	}

	s.mu.Lock()
	s.attachments[id] = a
	s.mu.Unlock()
	return map[string]string{"attachmentId": id, "traitId": params.TraitID}, nil
}

func (s *Session) detach(_ context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var params attachmentParams
	if err := decode(raw, &params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	a, ok := s.attachments[params.AttachmentID]
	delete(s.attachments, params.AttachmentID)
	s.mu.Unlock()
	if !ok {
		return nil, rpcError(errors.NotFound("unknown attachment " + params.AttachmentID))
	}
	a.Detach()
	return map[string]bool{"detached": true}, nil
}

func (s *Session) query(ctx context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var params traitParams
	if err := decode(raw, &params); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	records, err := s.page.Query(ctx, params.TraitID)
	if err != nil {
		return nil, rpcError(err)
	}
	return struct {
		TraitID string         `json:"traitId"`
		Records []shard.Record `json:"records"`
	}{params.TraitID, records}, nil
}

func (s *Session) traits(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	traits, err := s.page.Traits(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string][]string{"traits": traits}, nil
}

func (s *Session) stats(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	st, err := s.page.Stats(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return st, nil
}

// submit accepts a shard pushed by the renderer itself, in the same
// envelope form the bus carries.
func (s *Session) submit(_ context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var env intake.Envelope
	if err := decode(raw, &env); err != nil {
		return nil, err
	}
	if s.h.limiter != nil && !s.h.limiter.Allow(s.ID()) {
		return nil, rpcError(errors.New(errors.ErrCodeUnavailable, "submit rate exceeded"))
	}
	payload, err := env.Payload()
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.page.SubmitPayload(payload); err != nil {
		return nil, rpcError(err)
	}
	return map[string]int{"libraries": len(payload)}, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return transport.NewError(transport.InvalidParams, "Invalid params", "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return transport.NewError(transport.InvalidParams, "Invalid params", err.Error())
	}
	return nil
}

// rpcError maps a coded error onto a JSON-RPC error object carrying the coded
// error as data.
func rpcError(err error) *transport.Error {
	code := transport.InternalError
	switch errors.Code(err) {
	case errors.ErrCodeInvalidInput:
		code = transport.InvalidParams
	case errors.ErrCodeNotFound:
		code = transport.NotFound
	case errors.ErrCodeClosed:
		code = transport.PageClosed
	case errors.ErrCodeTimeout, errors.ErrCodeCanceled:
		code = transport.Timeout
	case errors.ErrCodeUnavailable:
		code = transport.Unavailable
	case errors.ErrCodeMalformedShard:
		code = transport.Rejected
	case errors.ErrCodeConsumerCallback:
		code = transport.CallbackFail
	}

	var data interface{} = err.Error()
	if coded, ok := errors.AsCodedError(err).(*errors.Error); ok && coded != nil {
		data = coded
	}
	return transport.NewError(code, err.Error(), data)
}
